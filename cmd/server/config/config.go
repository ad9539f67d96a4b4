package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreConfig selects the purchase state store. An empty DatabaseURL selects the in-memory store.
type StoreConfig struct {
	Driver      string
	DatabaseURL string
	InitSchema  bool
	// CatalogSeed prices items at startup, parsed from CATALOG_SEED as "id=price,id=price".
	CatalogSeed map[string]float64
}

// KafkaTopics names the topic for each message family.
type KafkaTopics struct {
	Trading   string
	Inventory string
	Payments  string
	Catalog   string
}

// KafkaConfig holds broker settings. No brokers selects the in-memory bus.
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   KafkaTopics
	Workers  int
}

// RedisConfig holds Redis connection and behavior settings for the timeout scheduler.
// An empty URL selects the in-memory scheduler.
type RedisConfig struct {
	URL                string
	Prefix             string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// SagaConfig tunes the orchestrator, the outbox relay and the timeout poller.
type SagaConfig struct {
	PaymentTimeout      time.Duration
	ReservationTimeout  time.Duration
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxRetention     time.Duration
	TimeoutPollInterval time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	NotifyBuffer        int
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	Reflection        bool
}

// ObservabilityConfig holds the HTTP address for the metrics and websocket endpoints.
type ObservabilityConfig struct {
	Addr string
}

// LoadStore reads state store settings from env.
func LoadStore() (StoreConfig, error) {
	cfg := StoreConfig{
		Driver:      stringOr("STORE_DRIVER", "pgx"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	switch cfg.Driver {
	case "pgx", "mysql":
	default:
		return cfg, fmt.Errorf("STORE_DRIVER: unsupported driver %q", cfg.Driver)
	}
	var err error
	if cfg.InitSchema, err = optionalBool("STORE_INIT_SCHEMA"); err != nil {
		return cfg, err
	}
	if cfg.CatalogSeed, err = priceList("CATALOG_SEED"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadKafka reads broker settings from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		Brokers:  listOf("KAFKA_BROKERS"),
		GroupID:  stringOr("KAFKA_GROUP_ID", "trading-saga"),
		ClientID: stringOr("KAFKA_CLIENT_ID", "trading"),
		Topics: KafkaTopics{
			Trading:   stringOr("KAFKA_TOPIC_TRADING", "trading"),
			Inventory: stringOr("KAFKA_TOPIC_INVENTORY", "inventory"),
			Payments:  stringOr("KAFKA_TOPIC_PAYMENTS", "payments"),
			Catalog:   stringOr("KAFKA_TOPIC_CATALOG", "catalog"),
		},
	}
	var err error
	if cfg.Workers, err = intOr("SAGA_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.Workers == 0 {
		return cfg, errors.New("SAGA_WORKERS must be > 0")
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Prefix: stringOr("REDIS_TIMEOUT_PREFIX", "trading:timeouts"),
		Stream: strings.TrimSpace(os.Getenv("REDIS_STREAM")),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = requiredInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadSaga reads saga tuning from env. Every setting has a default.
func LoadSaga() (SagaConfig, error) {
	var (
		cfg SagaConfig
		err error
	)
	if cfg.PaymentTimeout, err = durationOr("PURCHASE_PAYMENT_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReservationTimeout, err = durationOr("PURCHASE_RESERVATION_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = intOr("SAGA_RETRY_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("SAGA_RETRY_BASE_DELAY", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("SAGA_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OutboxPollInterval, err = durationOr("OUTBOX_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.OutboxBatchSize, err = intOr("OUTBOX_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	if cfg.OutboxRetention, err = durationOr("OUTBOX_RETENTION", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.TimeoutPollInterval, err = durationOr("TIMEOUT_POLL_INTERVAL", time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = intOr("BUS_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = durationOr("BUS_BREAKER_RESET_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.NotifyBuffer, err = intOr("NOTIFY_BUFFER", 256); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts == 0 {
		return cfg, errors.New("SAGA_RETRY_MAX_ATTEMPTS must be > 0")
	}
	if cfg.PaymentTimeout == 0 {
		return cfg, errors.New("PURCHASE_PAYMENT_TIMEOUT must be > 0")
	}
	if cfg.ReservationTimeout <= 0 {
		return cfg, errors.New("PURCHASE_RESERVATION_TIMEOUT must be > 0")
	}
	return cfg, nil
}

// LoadGRPC reads gRPC listen and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
		Reflection:        os.Getenv("APP_ENV") != "production",
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredInt64(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func listOf(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func priceList(name string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range listOf(name) {
		id, raw, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("%s: expected id=price, got %q", name, pair)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", name, id, err)
		}
		if price < 0 {
			return nil, fmt.Errorf("%s: %s price must be >= 0", name, id)
		}
		out[id] = price
	}
	return out, nil
}
