package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/grocery-booking/internal/core/domain"
	"github.com/rl1809/grocery-booking/internal/core/service"
)

const bookingServiceName = "grocery.v1.BookingService"

type LineMessage struct {
	GroceryID string `json:"groceryId"`
	Quantity  int32  `json:"quantity"`
}

type BookRequest struct {
	UserID         string        `json:"userId"`
	Items          []LineMessage `json:"items"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

type OrderMessage struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Items     []LineMessage `json:"items"`
	CreatedAt time.Time     `json:"createdAt"`
}

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

type ListOrdersRequest struct {
	UserID string `json:"userId"`
}

type ListOrdersResponse struct {
	Orders []OrderMessage `json:"orders"`
}

type BookingServer interface {
	Book(context.Context, *BookRequest) (*OrderMessage, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderMessage, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
}

type GRPCHandler struct {
	booking *service.BookingService
}

func NewGRPCHandler(booking *service.BookingService) *GRPCHandler {
	return &GRPCHandler{booking: booking}
}

func (h *GRPCHandler) Book(ctx context.Context, req *BookRequest) (*OrderMessage, error) {
	lines := make([]domain.OrderLine, len(req.Items))
	for i, l := range req.Items {
		lines[i] = domain.OrderLine{ItemID: l.GroceryID, Quantity: int(l.Quantity)}
	}

	order, err := h.booking.Book(ctx, service.BookRequest{
		UserID:         req.UserID,
		Lines:          lines,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toOrderMessage(order), nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderMessage, error) {
	order, err := h.booking.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toOrderMessage(order), nil
}

func (h *GRPCHandler) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	orders, err := h.booking.ListOrders(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListOrdersResponse{Orders: make([]OrderMessage, len(orders))}
	for i, o := range orders {
		resp.Orders[i] = *toOrderMessage(o)
	}
	return resp, nil
}

func toOrderMessage(order domain.Order) *OrderMessage {
	items := make([]LineMessage, len(order.Lines))
	for i, l := range order.Lines {
		items[i] = LineMessage{GroceryID: l.ItemID, Quantity: int32(l.Quantity)}
	}
	return &OrderMessage{ID: order.ID, UserID: order.UserID, Items: items, CreatedAt: order.CreatedAt}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// RegisterBookingServer attaches srv to s under grocery.v1.BookingService.
func RegisterBookingServer(s grpc.ServiceRegistrar, srv BookingServer) {
	s.RegisterService(&bookingServiceDesc, srv)
}

var bookingServiceDesc = grpc.ServiceDesc{
	ServiceName: bookingServiceName,
	HandlerType: (*BookingServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Book",
			Handler: unaryHandler("Book", func(srv BookingServer, ctx context.Context, req *BookRequest) (any, error) {
				return srv.Book(ctx, req)
			}),
		},
		{
			MethodName: "GetOrder",
			Handler: unaryHandler("GetOrder", func(srv BookingServer, ctx context.Context, req *GetOrderRequest) (any, error) {
				return srv.GetOrder(ctx, req)
			}),
		},
		{
			MethodName: "ListOrders",
			Handler: unaryHandler("ListOrders", func(srv BookingServer, ctx context.Context, req *ListOrdersRequest) (any, error) {
				return srv.ListOrders(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grocery/v1/booking.proto",
}

func unaryHandler[Req any](method string, call func(BookingServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	fullMethod := "/" + bookingServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookingServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BookingServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BookingClient calls grocery.v1.BookingService with the JSON codec.
type BookingClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingClient(cc grpc.ClientConnInterface) *BookingClient {
	return &BookingClient{cc: cc}
}

func (c *BookingClient) Book(ctx context.Context, in *BookRequest, opts ...grpc.CallOption) (*OrderMessage, error) {
	out := new(OrderMessage)
	if err := c.invoke(ctx, "Book", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderMessage, error) {
	out := new(OrderMessage)
	if err := c.invoke(ctx, "GetOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	out := new(ListOrdersResponse)
	if err := c.invoke(ctx, "ListOrders", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+bookingServiceName+"/"+method, in, out, opts...)
}

// LoggingInterceptor records every unary call with its status code.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		log.Log(ctx, level, "grpc request",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(started),
			"error", err,
		)
		return resp, err
	}
}
