package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName: полное имя gRPC-сервиса.
const ServiceName = "oms.v1.OrderService"

// Полные имена методов.
const (
	MethodCreateOrder      = "/" + ServiceName + "/CreateOrder"
	MethodListOrders       = "/" + ServiceName + "/ListOrders"
	MethodGetOrder         = "/" + ServiceName + "/GetOrder"
	MethodCancelOrder      = "/" + ServiceName + "/CancelOrder"
	MethodAdminGetOrder    = "/" + ServiceName + "/AdminGetOrder"
	MethodAdminCancelOrder = "/" + ServiceName + "/AdminCancelOrder"
	MethodSetOrderStatus   = "/" + ServiceName + "/SetOrderStatus"
)

// OrderServiceServer: серверная сторона API заказов.
type OrderServiceServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*CreateOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*CancelOrderResponse, error)
	AdminGetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	AdminCancelOrder(context.Context, *CancelOrderRequest) (*CancelOrderResponse, error)
	SetOrderStatus(context.Context, *SetOrderStatusRequest) (*SetOrderStatusResponse, error)
}

// RegisterOrderServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// OrderServiceDesc описывает сервис без protoc: сообщения кодируются jsonCodec.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, OrderServiceServer.CreateOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(MethodListOrders, OrderServiceServer.ListOrders)},
		{MethodName: "GetOrder", Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
		{MethodName: "CancelOrder", Handler: unaryHandler(MethodCancelOrder, OrderServiceServer.CancelOrder)},
		{MethodName: "AdminGetOrder", Handler: unaryHandler(MethodAdminGetOrder, OrderServiceServer.AdminGetOrder)},
		{MethodName: "AdminCancelOrder", Handler: unaryHandler(MethodAdminCancelOrder, OrderServiceServer.AdminCancelOrder)},
		{MethodName: "SetOrderStatus", Handler: unaryHandler(MethodSetOrderStatus, OrderServiceServer.SetOrderStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oms/v1/order_service",
}

func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(OrderServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
