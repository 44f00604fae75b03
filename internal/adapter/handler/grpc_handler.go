package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/metrics"
	"github.com/rl1809/seckill/internal/port"
)

const (
	ServiceName    = "seckill.SeckillService"
	PurchaseMethod = "/" + ServiceName + "/Purchase"

	// IdentityHeader carries the caller identity in request metadata.
	IdentityHeader = "x-identity"
)

// jsonCodec lets clients talk to the service with content-subtype "json",
// without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PurchaseRequest struct {
	ProductID int64 `json:"product_id,string"`
}

type PurchaseResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id,omitempty,string"`
	Message string `json:"message"`
}

type SeckillServer interface {
	Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error)
}

var seckillServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SeckillServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Purchase", Handler: purchaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "seckill.proto",
}

func purchaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PurchaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SeckillServer).Purchase(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PurchaseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SeckillServer).Purchase(ctx, req.(*PurchaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func RegisterSeckillServer(s grpc.ServiceRegistrar, srv SeckillServer) {
	s.RegisterService(&seckillServiceDesc, srv)
}

type GRPCHandler struct {
	orders OrderService
}

func NewGRPCHandler(orders OrderService) *GRPCHandler {
	return &GRPCHandler{orders: orders}
}

// Purchase reports purchase outcomes in the response body; only rate
// limiting and internal failures surface as gRPC status errors.
func (h *GRPCHandler) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	if req.ProductID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "invalid product id")
	}

	orderID, err := h.orders.Purchase(ctx, IdentityFromContext(ctx), req.ProductID)
	if err != nil {
		if domain.IsUserOutcome(err) {
			_, message := statusOf(err)
			return &PurchaseResponse{Success: false, Message: message}, nil
		}
		return nil, status.Error(codes.Internal, "internal error")
	}

	return &PurchaseResponse{
		Success: true,
		OrderID: orderID,
		Message: "order accepted, awaiting payment",
	}, nil
}

// IdentityFromContext returns the x-identity metadata value, falling back to
// the peer's host address.
func IdentityFromContext(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(IdentityHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return ""
}

// LoggingInterceptor logs every unary call once it completes.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("identity", IdentityFromContext(ctx)),
		}
		switch code {
		case codes.OK:
			logger.Info("grpc request", fields...)
		case codes.Internal, codes.Unknown, codes.Unavailable:
			logger.Error("grpc request", append(fields, zap.Error(err))...)
		default:
			logger.Warn("grpc request", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// RateLimitInterceptor applies the admission limiter per identity and method.
// Limiter failures let the call through.
func RateLimitInterceptor(limiter port.Limiter, rec *metrics.Recorder, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		allowed, err := limiter.Allow(ctx, IdentityFromContext(ctx), info.FullMethod)
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting call", zap.Error(err))
			return handler(ctx, req)
		}
		if !allowed {
			rec.RateLimited(ctx, info.FullMethod)
			return nil, status.Error(codes.ResourceExhausted, domain.ErrRateLimited.Error())
		}
		return handler(ctx, req)
	}
}

// Client calls the seckill service over a connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Purchase(ctx context.Context, identity string, productID int64, opts ...grpc.CallOption) (*PurchaseResponse, error) {
	if identity != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, IdentityHeader, identity)
	}
	out := new(PurchaseResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype("json")}, opts...)
	if err := c.cc.Invoke(ctx, PurchaseMethod, &PurchaseRequest{ProductID: productID}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// IsRateLimited reports whether err is the limiter's rejection.
func IsRateLimited(err error) bool {
	return status.Code(err) == codes.ResourceExhausted || errors.Is(err, domain.ErrRateLimited)
}
