package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading/internal/observability"
	"trading/internal/reliability"
)

var testPrices = PriceFunc(func(_ context.Context, itemID string) (float64, error) {
	if itemID == "item7" {
		return 2.5, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
})

func noSleep(context.Context, time.Duration) error { return nil }

type recordingWaker struct{ calls int }

func (w *recordingWaker) Notify() { w.calls++ }

type recordingNotifier struct {
	mu     sync.Mutex
	states []State
}

func (n *recordingNotifier) PurchaseUpdated(_ context.Context, state State) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
}

type harness struct {
	orch     *Orchestrator
	store    *MemoryStore
	waker    *recordingWaker
	notifier *recordingNotifier
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, wrap func(*MemoryStore) Store) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		waker:    &recordingWaker{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(),
	}
	var store Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:    store,
		Prices:   testPrices,
		Machine:  Machine{Now: fixedClock, PaymentTimeout: time.Minute, ReservationTimeout: 2 * time.Minute},
		Retry:    reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
		Relay:    h.waker,
		Notifier: h.notifier,
		Metrics:  h.metrics,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) handle(t *testing.T, msg Inbound) Decision {
	t.Helper()
	d, err := h.orch.Handle(context.Background(), msg)
	require.NoError(t, err)
	return d
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	s, err := h.store.Load(context.Background(), "c1")
	require.NoError(t, err)
	return s
}

func (h *harness) outbox(t *testing.T) []OutboxRecord {
	t.Helper()
	records, err := h.store.PendingOutbox(context.Background(), 0)
	require.NoError(t, err)
	return records
}

func outboxTypes(records []OutboxRecord) []string {
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.Type)
	}
	return types
}

func countType(records []OutboxRecord, msgType string) int {
	n := 0
	for _, r := range records {
		if r.Type == msgType {
			n++
		}
	}
	return n
}

var startC1 = StartPurchase{CorrelationID: "c1", UserID: "u1", ItemID: "item7", Quantity: 3}

func TestOrchestratorCompletesPurchase(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	d := h.handle(t, PaymentCompleted{CorrelationID: "c1", BillID: "bill42"})

	assert.Equal(t, OutcomeApplied, d.Outcome)
	final := h.state(t)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "bill42", final.BillID)
	assert.Equal(t, "r99", final.ReservedItemsTransactionID)
	assert.Equal(t, int64(3), final.Version)

	records := h.outbox(t)
	assert.Equal(t, []string{TypeReserveItems, TypePurchaseTimeoutExpired, TypeDebitFunds, TypePurchaseTimeoutExpired}, outboxTypes(records))
	assert.Zero(t, countType(records, TypeReleaseItems))

	require.True(t, records[1].Delayed())
	assert.Equal(t, machineEpoch.Add(2*time.Minute), *records[1].DeliverAt)

	var debit DebitFunds
	require.NoError(t, json.Unmarshal(records[2].Payload, &debit))
	assert.Equal(t, 7.5, debit.Amount)
	assert.Equal(t, PaymentCorrelationID("c1"), debit.PaymentID)

	require.True(t, records[3].Delayed())
	assert.Equal(t, machineEpoch.Add(time.Minute), *records[3].DeliverAt)

	assert.Equal(t, 2, h.waker.calls)
	require.Len(t, h.notifier.states, 3)
	assert.Equal(t, StatusCompleted, h.notifier.states[2].Status)
}

func TestOrchestratorPaymentFailedReleasesItems(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	h.handle(t, PaymentFailed{CorrelationID: "c1", Reason: "insufficient funds"})

	final := h.state(t)
	assert.Equal(t, StatusFaulted, final.Status)
	assert.Equal(t, "insufficient funds", final.ErrorReason)

	records := h.outbox(t)
	require.Equal(t, 1, countType(records, TypeReleaseItems))
	var release ReleaseItems
	require.NoError(t, json.Unmarshal(records[len(records)-1].Payload, &release))
	assert.Equal(t, ReleaseItems{CorrelationID: "c1", ReservationID: "r99"}, release)
}

func TestOrchestratorTimeoutReleasesItems(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	h.handle(t, PurchaseTimeoutExpired{CorrelationID: "c1", ExpectedStatus: StatusItemsReserved})

	final := h.state(t)
	assert.Equal(t, StatusFaulted, final.Status)
	assert.Equal(t, ReasonTimeout, final.ErrorReason)
	assert.Equal(t, 1, countType(h.outbox(t), TypeReleaseItems))
}

func TestOrchestratorReservationTimeoutRejects(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	d := h.handle(t, PurchaseTimeoutExpired{CorrelationID: "c1", ExpectedStatus: StatusAccepted})

	assert.Equal(t, OutcomeApplied, d.Outcome)
	final := h.state(t)
	assert.Equal(t, StatusRejected, final.Status)
	assert.Equal(t, ReasonReservationTimeout, final.ErrorReason)

	records := h.outbox(t)
	require.Equal(t, 1, countType(records, TypeReleaseItems))
	var release ReleaseItems
	require.NoError(t, json.Unmarshal(records[len(records)-1].Payload, &release))
	assert.Equal(t, ReleaseItems{CorrelationID: "c1"}, release)

	late := h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	assert.Equal(t, OutcomeTerminal, late.Outcome)
	assert.Equal(t, StatusRejected, h.state(t).Status)
}

func TestOrchestratorDuplicateStartReservesOnce(t *testing.T) {
	h := newHarness(t, nil)
	first := h.handle(t, startC1)
	second := h.handle(t, startC1)

	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, countType(h.outbox(t), TypeReserveItems))
	assert.Equal(t, int64(1), h.state(t).Version)
}

func TestOrchestratorReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	before := h.state(t)
	beforeOutbox := len(h.outbox(t))

	for i := 0; i < 3; i++ {
		d := h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
		assert.Equal(t, OutcomeDuplicate, d.Outcome)
	}

	assert.Equal(t, before, h.state(t))
	assert.Len(t, h.outbox(t), beforeOutbox)
	assert.Equal(t, int64(3), h.metrics.Snapshot().Saga.Outcomes[string(OutcomeDuplicate)])
}

func TestOrchestratorTerminalImmutability(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	h.handle(t, PaymentFailed{CorrelationID: "c1", Reason: "insufficient funds"})
	faulted := h.state(t)

	late := h.handle(t, PaymentCompleted{CorrelationID: "c1", BillID: "bill42"})
	assert.Equal(t, OutcomeTerminal, late.Outcome)
	h.handle(t, PurchaseTimeoutExpired{CorrelationID: "c1", ExpectedStatus: StatusItemsReserved})

	assert.Equal(t, faulted, h.state(t))
	assert.Equal(t, 1, countType(h.outbox(t), TypeReleaseItems))
}

func TestOrchestratorStaleTimeoutIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	h.handle(t, PaymentAccepted{CorrelationID: "c1"})
	before := h.state(t)

	d := h.handle(t, PurchaseTimeoutExpired{CorrelationID: "c1", ExpectedStatus: StatusItemsReserved})
	assert.Equal(t, OutcomeStale, d.Outcome)
	assert.Equal(t, before, h.state(t))
	assert.Zero(t, countType(h.outbox(t), TypeReleaseItems))
}

func TestOrchestratorRejectsUnknownItem(t *testing.T) {
	h := newHarness(t, nil)
	d := h.handle(t, StartPurchase{CorrelationID: "c1", UserID: "u1", ItemID: "missing", Quantity: 1})

	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusRejected, h.state(t).Status)
	assert.Empty(t, h.outbox(t))
	assert.Zero(t, h.waker.calls)
}

func TestOrchestratorUnknownCorrelation(t *testing.T) {
	h := newHarness(t, nil)
	d := h.handle(t, PaymentCompleted{CorrelationID: "ghost", BillID: "b"})
	assert.Equal(t, OutcomeUnknown, d.Outcome)
	assert.Empty(t, h.outbox(t))
}

type failingSaveStore struct {
	*MemoryStore
	err error
}

func (s failingSaveStore) SaveIfVersionMatches(context.Context, State, int64, []Envelope) error {
	return s.err
}

func TestOrchestratorFailedWritePublishesNothing(t *testing.T) {
	storeErr := errors.New("store unavailable")
	h := newHarness(t, func(m *MemoryStore) Store { return failingSaveStore{MemoryStore: m, err: storeErr} })
	h.handle(t, startC1)

	_, err := h.orch.Handle(context.Background(), ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	require.ErrorIs(t, err, storeErr)

	assert.Equal(t, StatusAccepted, h.state(t).Status)
	assert.Equal(t, []string{TypeReserveItems, TypePurchaseTimeoutExpired}, outboxTypes(h.outbox(t)))
	assert.Equal(t, int64(1), h.metrics.Snapshot().Saga.Alerts)
}

type conflictOnceStore struct {
	*MemoryStore
	mu       sync.Mutex
	conflict bool
}

func (s *conflictOnceStore) SaveIfVersionMatches(ctx context.Context, state State, expected int64, outbox []Envelope) error {
	s.mu.Lock()
	first := !s.conflict
	s.conflict = true
	s.mu.Unlock()
	if first {
		return ErrVersionConflict
	}
	return s.MemoryStore.SaveIfVersionMatches(ctx, state, expected, outbox)
}

func TestOrchestratorRetriesVersionConflict(t *testing.T) {
	h := newHarness(t, func(m *MemoryStore) Store { return &conflictOnceStore{MemoryStore: m} })
	h.handle(t, startC1)

	d := h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, int64(2), d.State.Version)
	assert.Equal(t, StatusItemsReserved, h.state(t).Status)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Saga.VersionConflicts)
	assert.Equal(t, 1, countType(h.outbox(t), TypeDebitFunds))
}

// racingCreateStore lets a competing worker create the record first.
type racingCreateStore struct {
	*MemoryStore
	raced bool
}

func (s *racingCreateStore) Create(ctx context.Context, state State, outbox []Envelope) error {
	if !s.raced {
		s.raced = true
		if err := s.MemoryStore.Create(ctx, state, outbox); err != nil {
			return err
		}
		return ErrAlreadyExists
	}
	return s.MemoryStore.Create(ctx, state, outbox)
}

func TestOrchestratorConcurrentStartResolvesToDuplicate(t *testing.T) {
	h := newHarness(t, func(m *MemoryStore) Store { return &racingCreateStore{MemoryStore: m} })
	d := h.handle(t, startC1)

	assert.Equal(t, OutcomeDuplicate, d.Outcome)
	assert.Equal(t, 1, countType(h.outbox(t), TypeReserveItems))
}

func TestOrchestratorIdempotencyConflictIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(t, startC1)
	d := h.handle(t, StartPurchase{CorrelationID: "c1", UserID: "u2", ItemID: "item7", Quantity: 3})

	assert.Equal(t, OutcomeInvalid, d.Outcome)
	assert.Equal(t, "u1", h.state(t).UserID)
}

func TestHandleEnvelopeAcksMalformedMessages(t *testing.T) {
	h := newHarness(t, nil)
	err := h.orch.HandleEnvelope(context.Background(), Envelope{ID: "m1", Type: TypePaymentCompleted, Payload: []byte("{")})
	require.NoError(t, err)

	err = h.orch.HandleEnvelope(context.Background(), Envelope{ID: "m2", Type: "Shipped", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.metrics.Snapshot().Saga.Outcomes[string(OutcomeInvalid)])
}

func TestHandleEnvelopeRoutesToMachine(t *testing.T) {
	h := newHarness(t, nil)
	env, err := NewEnvelope("m1", startC1, machineEpoch)
	require.NoError(t, err)

	require.NoError(t, h.orch.HandleEnvelope(context.Background(), env))
	assert.Equal(t, StatusAccepted, h.state(t).Status)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorConfig{Prices: testPrices})
	assert.Error(t, err)
	_, err = NewOrchestrator(OrchestratorConfig{Store: NewMemoryStore()})
	assert.Error(t, err)
}

func TestQueryResolvesStatus(t *testing.T) {
	h := newHarness(t, nil)
	q := NewQuery(h.store)

	_, err := q.GetPurchaseStatus(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNotFound)

	h.handle(t, startC1)
	view, err := q.GetPurchaseStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionInProgress, view.Resolution)

	h.handle(t, ItemsReserved{CorrelationID: "c1", ReservationID: "r99"})
	h.handle(t, PaymentFailed{CorrelationID: "c1", Reason: "insufficient funds"})
	view, err = q.GetPurchaseStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFaulted, view.Status)
	assert.Equal(t, "insufficient funds", view.ErrorReason)
	assert.Equal(t, ResolutionFaulted, view.Resolution)
}
