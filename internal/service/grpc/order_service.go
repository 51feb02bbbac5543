package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
)

const (
	defaultListOrdersLimit = 100
	maxListOrdersLimit     = 500
)

// Orders: операции над заказами, которые обслуживает транспорт.
type Orders interface {
	CreateOrder(ctx context.Context, userID string, items []domain.ItemRequest) (domain.Order, error)
	ListOrdersForUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	GetOrderAsAdmin(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus) (domain.Order, error)
}

// OrderService реализует gRPC API поверх сервиса заказов.
type OrderService struct {
	orders Orders
	guard  *idempotency.Guard
	logger *log.Entry
}

// NewOrderService конструирует сервис с зависимостями. guard может быть nil:
// тогда idempotency-key игнорируется.
func NewOrderService(orders Orders, guard *idempotency.Guard, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &OrderService{
		orders: orders,
		guard:  guard,
		logger: logger,
	}
}

// CreateOrder резервирует сток и создаёт заказ для текущего пользователя.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	return withIdempotency(s, ctx, MethodCreateOrder, actor, req, func(ctx context.Context) (*CreateOrderResponse, error) {
		order, err := s.orders.CreateOrder(ctx, actor.UserID, toItemRequests(req.Items))
		if err != nil {
			return nil, toStatus(err)
		}
		return &CreateOrderResponse{Order: toAPIOrder(order)}, nil
	})
}

// ListOrders возвращает заказы текущего пользователя, новые первыми.
func (s *OrderService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	limit := int(req.Limit)
	if limit <= 0 {
		limit = defaultListOrdersLimit
	}
	if limit > maxListOrdersLimit {
		limit = maxListOrdersLimit
	}

	orders, err := s.orders.ListOrdersForUser(ctx, actor.UserID, limit)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", actor.UserID).Error("failed to list orders")
		return nil, toStatus(err)
	}

	result := make([]Order, 0, len(orders))
	for _, order := range orders {
		result = append(result, toAPIOrder(order))
	}
	return &ListOrdersResponse{Orders: result}, nil
}

// GetOrder возвращает заказ владельцу.
func (s *OrderService) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrder(ctx, actor.UserID, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetOrderResponse{Order: toAPIOrder(order)}, nil
}

// CancelOrder отменяет собственный PENDING-заказ.
func (s *OrderService) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	return s.cancel(ctx, MethodCancelOrder, req)
}

// AdminGetOrder возвращает любой заказ с позициями.
func (s *OrderService) AdminGetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrderAsAdmin(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetOrderResponse{Order: toAPIOrder(order)}, nil
}

// AdminCancelOrder отменяет любой PENDING-заказ.
func (s *OrderService) AdminCancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	return s.cancel(ctx, MethodAdminCancelOrder, req)
}

// SetOrderStatus меняет статус заказа от имени администратора.
func (s *OrderService) SetOrderStatus(ctx context.Context, req *SetOrderStatusRequest) (*SetOrderStatusResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	next, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		return nil, toStatus(err)
	}

	return withIdempotency(s, ctx, MethodSetOrderStatus, actor, req, func(ctx context.Context) (*SetOrderStatusResponse, error) {
		order, err := s.orders.SetOrderStatus(ctx, req.OrderID, next)
		if err != nil {
			return nil, toStatus(err)
		}
		return &SetOrderStatusResponse{Order: toAPIOrder(order)}, nil
	})
}

func (s *OrderService) cancel(ctx context.Context, method string, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	return withIdempotency(s, ctx, method, actor, req, func(ctx context.Context) (*CancelOrderResponse, error) {
		order, err := s.orders.CancelOrder(ctx, actor, req.OrderID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &CancelOrderResponse{Order: toAPIOrder(order)}, nil
	})
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "identity is required")
	}
	return actor, nil
}

type idempotencyErrorPayload struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// withIdempotency выполняет handler не более одного раза на idempotency-key.
// Без ключа запрос выполняется как обычно.
func withIdempotency[Resp any](
	s *OrderService,
	ctx context.Context,
	method string,
	actor domain.Actor,
	req any,
	handler func(context.Context) (*Resp, error),
) (*Resp, error) {
	key := readIdempotencyKey(ctx)
	if key == "" || s.guard == nil {
		return handler(ctx)
	}

	reqHash, err := buildIdempotencyRequestHash(method, actor.UserID, req)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Warn("failed to build idempotency request hash")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	var (
		resp   *Resp
		runErr error
	)
	result, err := s.guard.Do(ctx, key, reqHash, func(ctx context.Context) idempotency.Result {
		resp, runErr = handler(ctx)
		if runErr != nil {
			return failureResult(runErr)
		}
		body, marshalErr := json.Marshal(resp)
		if marshalErr != nil {
			s.logger.WithError(marshalErr).WithField("idempotency_key", key).Warn("failed to encode idempotent response")
		}
		return idempotency.Result{Body: body, Code: int(codes.OK)}
	})
	if err != nil {
		return nil, idempotencyStatus(err)
	}

	if !result.Replayed {
		return resp, runErr
	}

	s.logger.WithFields(log.Fields{
		"method":          method,
		"idempotency_key": key,
		"user_id":         actor.UserID,
	}).Info("idempotent request replayed")

	if result.Failed {
		return nil, decodeIdempotencyFailure(result)
	}
	if len(result.Body) == 0 {
		return nil, status.Error(codes.Internal, "idempotency cache is empty")
	}
	cached := new(Resp)
	if err := json.Unmarshal(result.Body, cached); err != nil {
		s.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to decode cached idempotency response")
		return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
	}
	return cached, nil
}

func idempotencyStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case errors.Is(err, idempotency.ErrRequestInProgress):
		return status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	default:
		return status.Error(codes.Internal, "failed to initialize idempotency request")
	}
}

func failureResult(runErr error) idempotency.Result {
	st := status.Convert(runErr)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}

	payload, _ := json.Marshal(idempotencyErrorPayload{
		Code:    int32(code), //nolint:gosec // codes.Code is a bounded enum value.
		Message: st.Message(),
	})
	return idempotency.Result{Body: payload, Code: int(code), Failed: true, Retryable: !deterministicFailure(code)}
}

// deterministicFailure: повтор того же запроса даст тот же отказ, поэтому его можно
// отдавать из кеша. Остальные коды (Unavailable, Aborted, Canceled, DeadlineExceeded,
// Internal) освобождают ключ.
func deterministicFailure(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

func decodeIdempotencyFailure(result idempotency.Result) error {
	const fallback = "previous request with the same idempotency key failed"

	if len(result.Body) > 0 {
		var payload idempotencyErrorPayload
		if err := json.Unmarshal(result.Body, &payload); err == nil {
			if code, ok := grpcCodeFromInt(int(payload.Code)); ok && code != codes.OK {
				if payload.Message == "" {
					payload.Message = fallback
				}
				return status.Error(code, payload.Message)
			}
		}
	}

	if code, ok := grpcCodeFromInt(result.Code); ok && code != codes.OK {
		return status.Error(code, fallback)
	}
	return status.Error(codes.Internal, fallback)
}

func grpcCodeFromInt(value int) (codes.Code, bool) {
	if value < int(codes.OK) || value > int(codes.Unauthenticated) {
		return codes.Internal, false
	}
	return codes.Code(uint32(value)), true //nolint:gosec // bounded above.
}

func readIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return firstValue(md, HeaderIdempotencyKey)
}

// buildIdempotencyRequestHash связывает ключ с методом, пользователем и телом запроса:
// тот же ключ от другого пользователя считается другим запросом.
func buildIdempotencyRequestHash(method, userID string, req any) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(method)+len(userID)+2+len(data))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, userID...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

var _ OrderServiceServer = (*OrderService)(nil)
