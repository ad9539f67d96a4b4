package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"trading/internal/bus"
	"trading/internal/purchase"
)

// ServiceName is the fully qualified name the purchase service registers under.
const ServiceName = "trading.v1.PurchaseQuery"

const (
	methodGetPurchaseStatus = "GetPurchaseStatus"
	methodSubmitPurchase    = "SubmitPurchase"
)

// StatusReader exposes the read side needed by the gRPC adapter.
type StatusReader interface {
	GetPurchaseStatus(ctx context.Context, correlationID string) (purchase.StatusView, error)
}

// PurchaseService is implemented by PurchaseServer and registered through PurchaseServiceDesc.
type PurchaseService interface {
	GetPurchaseStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// PurchaseServer adapts the purchase query and the start command to gRPC.
type PurchaseServer struct {
	reader    StatusReader
	publisher bus.Publisher
	now       func() time.Time
}

// NewPurchaseServer constructs a PurchaseServer. A nil publisher disables SubmitPurchase.
func NewPurchaseServer(reader StatusReader, publisher bus.Publisher) *PurchaseServer {
	return &PurchaseServer{reader: reader, publisher: publisher, now: time.Now}
}

// RegisterPurchaseServer attaches srv to s.
func RegisterPurchaseServer(s grpcpkg.ServiceRegistrar, srv PurchaseService) {
	s.RegisterService(&PurchaseServiceDesc, srv)
}

func (s *PurchaseServer) GetPurchaseStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "correlation id is required")
	}
	view, err := s.reader.GetPurchaseStatus(ctx, id)
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	return viewToStruct(view)
}

// SubmitPurchase publishes a StartPurchase. The message id is derived from the
// correlation id so resubmitting the same purchase is deduplicated downstream.
func (s *PurchaseServer) SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.publisher == nil {
		return nil, status.Error(codes.Unimplemented, "purchase submission is disabled")
	}
	msg, err := startFromStruct(req)
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	if err := purchase.ValidateStart(msg); err != nil {
		return nil, mapPurchaseError(err)
	}
	env, err := purchase.NewEnvelope(purchase.EffectID(msg.CorrelationID, purchase.TypeStartPurchase, ""), msg, s.now())
	if err != nil {
		return nil, mapPurchaseError(err)
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		return nil, mapPurchaseError(err)
	}
	return structpb.NewStruct(map[string]any{
		"correlationId": msg.CorrelationID,
		"messageId":     env.ID,
		"status":        "submitted",
	})
}

func startFromStruct(req *structpb.Struct) (purchase.StartPurchase, error) {
	fields := req.GetFields()
	msg := purchase.StartPurchase{
		CorrelationID: fields["correlationId"].GetStringValue(),
		UserID:        fields["userId"].GetStringValue(),
		ItemID:        fields["itemId"].GetStringValue(),
	}
	qty, ok := fields["quantity"]
	if !ok {
		return msg, fmt.Errorf("%w: quantity is required", purchase.ErrInvalidMessage)
	}
	n := qty.GetNumberValue()
	if n != float64(int(n)) {
		return msg, fmt.Errorf("%w: quantity %v is not a whole number", purchase.ErrInvalidMessage, n)
	}
	msg.Quantity = int(n)
	return msg, nil
}

func viewToStruct(view purchase.StatusView) (*structpb.Struct, error) {
	fields := map[string]any{
		"correlationId": view.CorrelationID,
		"status":        string(view.Status),
		"resolution":    string(view.Resolution),
		"purchaseTotal": view.PurchaseTotal,
		"lastUpdated":   view.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	if view.ErrorReason != "" {
		fields["errorReason"] = view.ErrorReason
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func mapPurchaseError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, purchase.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, purchase.ErrInvalidMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, bus.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Errorf(codes.Internal, "purchase: %v", err)
	}
}

func getPurchaseStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PurchaseService).GetPurchaseStatus(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/" + methodGetPurchaseStatus,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PurchaseService).GetPurchaseStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func submitPurchaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PurchaseService).SubmitPurchase(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/" + methodSubmitPurchase,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PurchaseService).SubmitPurchase(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PurchaseServiceDesc describes the service using well-known protobuf types,
// so no generated code is needed on either side.
var PurchaseServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchaseService)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: methodGetPurchaseStatus, Handler: getPurchaseStatusHandler},
		{MethodName: methodSubmitPurchase, Handler: submitPurchaseHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "trading/v1/purchase.proto",
}

// PurchaseClient calls the purchase service over conn.
type PurchaseClient struct {
	conn grpcpkg.ClientConnInterface
}

func NewPurchaseClient(conn grpcpkg.ClientConnInterface) *PurchaseClient {
	return &PurchaseClient{conn: conn}
}

func (c *PurchaseClient) GetPurchaseStatus(ctx context.Context, correlationID string, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+methodGetPurchaseStatus, wrapperspb.String(correlationID), out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PurchaseClient) SubmitPurchase(ctx context.Context, msg purchase.StartPurchase, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"correlationId": msg.CorrelationID,
		"userId":        msg.UserID,
		"itemId":        msg.ItemID,
		"quantity":      msg.Quantity,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+methodSubmitPurchase, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
