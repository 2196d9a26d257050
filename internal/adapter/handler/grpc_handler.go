package handler

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
	"github.com/rl1809/wholesale-allocation/pkg/logger"
)

const grpcServiceName = "wholesale.v1.OrderService"

// OrderServiceServer is the gRPC surface of the order service.
type OrderServiceServer interface {
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error)
	TransitionOrderStatus(ctx context.Context, req *TransitionStatusRequest) (*OrderResponse, error)
	PriceLine(ctx context.Context, req *PriceLineRequest) (*PricingResponse, error)
	GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderResponse, error)
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PlaceOrder",
			Handler: unaryHandler("PlaceOrder", func(srv OrderServiceServer, ctx context.Context, req *PlaceOrderRequest) (any, error) {
				return srv.PlaceOrder(ctx, req)
			}),
		},
		{
			MethodName: "TransitionOrderStatus",
			Handler: unaryHandler("TransitionOrderStatus", func(srv OrderServiceServer, ctx context.Context, req *TransitionStatusRequest) (any, error) {
				return srv.TransitionOrderStatus(ctx, req)
			}),
		},
		{
			MethodName: "PriceLine",
			Handler: unaryHandler("PriceLine", func(srv OrderServiceServer, ctx context.Context, req *PriceLineRequest) (any, error) {
				return srv.PriceLine(ctx, req)
			}),
		},
		{
			MethodName: "GetOrder",
			Handler: unaryHandler("GetOrder", func(srv OrderServiceServer, ctx context.Context, req *GetOrderRequest) (any, error) {
				return srv.GetOrder(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler adapts a typed method to grpc's untyped method handler,
// running it through the server's interceptor chain.
func unaryHandler[Req any](method string, call func(OrderServiceServer, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + grpcServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		})
	}
}

type GRPCHandler struct {
	orders OrderUseCase
	logger *logger.Logger
}

func NewGRPCHandler(orders OrderUseCase, logg *logger.Logger) *GRPCHandler {
	if logg == nil {
		logg = logger.Nop()
	}
	return &GRPCHandler{orders: orders, logger: logg}
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, h.statusError(ctx, err)
	}

	var (
		order    *domain.Order
		replayed bool
		err      error
	)
	if requestID := strings.TrimSpace(req.RequestID); requestID != "" {
		order, replayed, err = h.orders.PlaceOrderIdempotent(ctx, requestID, req.toLines())
	} else {
		order, err = h.orders.PlaceOrder(ctx, req.toLines())
	}
	if err != nil {
		return nil, h.statusError(ctx, err)
	}

	resp := newOrderResponse(order)
	resp.Replayed = replayed
	return &resp, nil
}

func (h *GRPCHandler) TransitionOrderStatus(ctx context.Context, req *TransitionStatusRequest) (*OrderResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, h.statusError(ctx, err)
	}
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		return nil, h.statusError(ctx, err)
	}

	order, err := h.orders.TransitionOrderStatus(ctx, req.OrderID, to, req.Reason)
	if err != nil {
		return nil, h.statusError(ctx, err)
	}
	resp := newOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) PriceLine(ctx context.Context, req *PriceLineRequest) (*PricingResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, h.statusError(ctx, err)
	}

	quote, err := h.orders.PriceLine(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, h.statusError(ctx, err)
	}
	return &PricingResponse{ProductID: req.ProductID, LinePricing: quote}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, h.statusError(ctx, err)
	}

	order, err := h.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, h.statusError(ctx, err)
	}
	resp := newOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) statusError(ctx context.Context, err error) error {
	mapped := mapError(err)
	if mapped.internal {
		h.logger.Error(ctx, "rpc.error", err)
	}
	return status.Error(mapped.grpcCode, mapped.body.Message)
}

// OrderServiceClient calls OrderService over a connection using the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *PlaceOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "PlaceOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) TransitionOrderStatus(ctx context.Context, in *TransitionStatusRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "TransitionOrderStatus", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) PriceLine(ctx context.Context, in *PriceLineRequest, opts ...grpc.CallOption) (*PricingResponse, error) {
	out := new(PricingResponse)
	if err := c.invoke(ctx, "PriceLine", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "GetOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+grpcServiceName+"/"+method, in, out, opts...)
}
