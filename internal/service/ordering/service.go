// Package ordering превращает корзину в заказ и ведёт его статус.
//
// Резервирование стока, сборка заказа и фиксация итоговой суммы выполняются
// в одной транзакции хранилища; отмена возвращает сток в той же транзакции,
// что и смена статуса.
package ordering

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
)

const (
	opCreateOrder  = "create_order"
	opChangeStatus = "change_status"
)

// Service реализует операции над заказами.
type Service struct {
	catalog domain.CatalogReader
	orders  domain.OrderReader
	txm     domain.TxManager

	retry   RetryPolicy
	metrics *metrics.OrderMetrics
	logger  *log.Entry
	now     func() time.Time
	newID   func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает prometheus-метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetryPolicy задаёт политику повтора транзакций.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов (для тестов).
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService собирает сервис заказов поверх портов хранилища.
func NewService(catalog domain.CatalogReader, orders domain.OrderReader, txm domain.TxManager, opts ...Option) *Service {
	s := &Service{
		catalog: catalog,
		orders:  orders,
		txm:     txm,
		retry:   DefaultRetryPolicy(),
		logger:  log.New().WithField("component", "ordering"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder резервирует сток и создаёт заказ в статусе PENDING.
//
// Предварительная проверка по снимку каталога отсекает заведомо невыполнимые
// корзины до открытия транзакции; окончательное решение принимает условный
// UPDATE стока. Цены и налоги позиций берутся из того же снимка.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []domain.ItemRequest) (domain.Order, error) {
	s.started()
	defer s.finished()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.recordCreateFailure(metrics.ReasonInvalidRequest)
		return domain.Order{}, domain.ErrUserRequired
	}
	if err := domain.ValidateItemRequests(items); err != nil {
		s.recordCreateFailure(metrics.ReasonInvalidRequest)
		return domain.Order{}, err
	}

	snapshot, err := s.loadSnapshot(ctx, items)
	if err != nil {
		s.logCreateFailure(userID, err)
		return domain.Order{}, err
	}

	var order domain.Order
	started := time.Now()
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.OrderTx) error {
			if err := reserveStock(ctx, tx, items); err != nil {
				return err
			}
			created, err := s.assembleOrder(ctx, tx, userID, items, snapshot)
			if err != nil {
				return err
			}
			order = created
			return nil
		})
	}, s.onRetry(opCreateOrder, log.Fields{"user_id": userID}))
	s.recordTxDuration(opCreateOrder, time.Since(started))
	if err != nil {
		s.logCreateFailure(userID, err)
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"user_id":     userID,
		"items":       len(order.Items),
		"total_cents": order.TotalCents,
	}).Info("order created")

	return order, nil
}

// loadSnapshot читает каталог одним запросом и проверяет корзину до записи.
// Количество одного товара в нескольких строках суммируется.
// assembleOrder полагается на то, что итог здесь уже проверен на переполнение.
func (s *Service) loadSnapshot(ctx context.Context, items []domain.ItemRequest) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(items))
	requested := make(map[string]int64, len(items))
	for _, item := range items {
		if _, seen := requested[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		requested[item.ProductID] += int64(item.Quantity)
	}

	products, err := s.catalog.FindProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]domain.Product, len(products))
	for _, p := range products {
		snapshot[p.ID] = p
	}

	// Итог считается заранее: позиции, не помещающиеся в int64, отклоняются до резерва.
	var total int64
	for _, item := range items {
		p, ok := snapshot[item.ProductID]
		if !ok {
			return nil, domain.NewItemError(item.ProductID, domain.ErrInvalidItem)
		}
		if requested[item.ProductID] > int64(p.Stock) {
			return nil, domain.NewItemError(item.ProductID, domain.ErrInsufficientStock)
		}
		line, err := domain.CheckedLineTotal(p.PriceCents, p.TaxRatePct, item.Quantity)
		if err == nil {
			total, err = domain.AddCents(total, line)
		}
		if err != nil {
			return nil, domain.NewItemError(item.ProductID, err)
		}
	}
	return snapshot, nil
}

// reserveStock уменьшает сток по каждой позиции в порядке корзины.
// Первая неудача прерывает всю транзакцию.
func reserveStock(ctx context.Context, tx domain.OrderTx, items []domain.ItemRequest) error {
	for _, item := range items {
		ok, err := tx.DecrementStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewItemError(item.ProductID, domain.ErrInsufficientStock)
		}
	}
	return nil
}

// assembleOrder создаёт заголовок с нулевой суммой, позиции со снимком цен и
// фиксирует итог. Событие order.created попадает в outbox той же транзакцией.
func (s *Service) assembleOrder(ctx context.Context, tx domain.OrderTx, userID string, items []domain.ItemRequest, snapshot map[string]domain.Product) (domain.Order, error) {
	now := s.now()
	order := domain.Order{
		ID:         s.newID(),
		UserID:     userID,
		Status:     domain.OrderStatusPending,
		TotalCents: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return domain.Order{}, err
	}

	order.Items = make([]domain.OrderItem, 0, len(items))
	var total int64
	for _, req := range items {
		p := snapshot[req.ProductID]
		item := domain.OrderItem{
			ID:             s.newID(),
			OrderID:        order.ID,
			ProductID:      req.ProductID,
			Quantity:       req.Quantity,
			UnitPriceCents: p.PriceCents,
			TaxRatePct:     p.TaxRatePct,
			CreatedAt:      now,
		}
		if err := tx.InsertOrderItem(ctx, item); err != nil {
			return domain.Order{}, err
		}
		total += item.LineTotal()
		order.Items = append(order.Items, item)
	}

	if err := tx.UpdateOrderTotal(ctx, order.ID, total, now); err != nil {
		return domain.Order{}, err
	}
	order.TotalCents = total

	msg, err := domain.NewOrderOutboxMessage(domain.EventOrderCreated, order, "", now)
	if err != nil {
		return domain.Order{}, err
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// ListOrdersForUser возвращает заказы пользователя от новых к старым.
func (s *Service) ListOrdersForUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return s.orders.ListOrdersByUser(ctx, userID, limit)
}

// GetOrder возвращает заказ владельцу. Чужой заказ даёт ErrAccessDenied.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Order{}, domain.ErrUserRequired
	}
	order, err := s.getOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	actor := domain.Actor{UserID: userID, Role: domain.RoleCustomer}
	if err := actor.Authorize(order); err != nil {
		s.logger.WithFields(log.Fields{"order_id": orderID, "user_id": userID}).Warn("order access denied")
		return domain.Order{}, err
	}
	return order, nil
}

// GetOrderAsAdmin возвращает любой заказ вместе с позициями.
func (s *Service) GetOrderAsAdmin(ctx context.Context, orderID string) (domain.Order, error) {
	return s.getOrder(ctx, orderID)
}

func (s *Service) getOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.orders.GetOrder(ctx, orderID)
}

// CancelOrder отменяет PENDING-заказ и возвращает сток. Клиент может отменить
// только свой заказ, администратор может любой.
func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	return s.changeStatus(ctx, actor, orderID, domain.OrderStatusCancelled)
}

// SetOrderStatus: административная смена статуса. Переход в CANCELLED
// подчиняется тем же правилам, что и CancelOrder.
func (s *Service) SetOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus) (domain.Order, error) {
	if !next.Valid() {
		return domain.Order{}, domain.ErrInvalidStatus
	}
	return s.changeStatus(ctx, domain.Actor{Role: domain.RoleAdmin}, orderID, next)
}

func (s *Service) changeStatus(ctx context.Context, actor domain.Actor, orderID string, next domain.OrderStatus) (domain.Order, error) {
	s.started()
	defer s.finished()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	var (
		updated  domain.Order
		previous domain.OrderStatus
		restored int
	)
	started := time.Now()
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		restored = 0
		return s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.OrderTx) error {
			order, err := tx.LockOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if err := actor.Authorize(order); err != nil {
				return err
			}
			if err := domain.CheckTransition(order.Status, next); err != nil {
				return err
			}

			if domain.RequiresStockRestore(order.Status, next) {
				if restored, err = restoreStock(ctx, tx, order); err != nil {
					return err
				}
			}

			now := s.now()
			ok, err := tx.UpdateOrderStatus(ctx, order.ID, order.Status, next, now)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrOrderStatusConflict
			}

			previous = order.Status
			order.Status = next
			order.UpdatedAt = now

			eventType := domain.EventOrderStatusChanged
			if next == domain.OrderStatusCancelled {
				eventType = domain.EventOrderCancelled
			}
			msg, err := domain.NewOrderOutboxMessage(eventType, order, previous, now)
			if err != nil {
				return err
			}
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}

			updated = order
			return nil
		})
	}, s.onRetry(opChangeStatus, log.Fields{"order_id": orderID}))
	s.recordTxDuration(opChangeStatus, time.Since(started))

	fields := log.Fields{"order_id": orderID, "user_id": actor.UserID, "role": actor.Role, "status": next}
	if err != nil {
		entry := s.logger.WithError(err).WithFields(fields)
		if domain.IsBusinessError(err) || errors.Is(err, domain.ErrOrderStatusConflict) {
			entry.Warn("order status change rejected")
		} else {
			entry.Error("order status change failed")
		}
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordStatusChange(string(previous), string(next))
		if next == domain.OrderStatusCancelled {
			s.metrics.RecordCancellation(restored)
		}
	}
	fields["previous_status"] = previous
	fields["restored_units"] = restored
	s.logger.WithFields(fields).Info("order status changed")

	return updated, nil
}

// restoreStock возвращает на склад количество каждой позиции заказа.
func restoreStock(ctx context.Context, tx domain.OrderTx, order domain.Order) (int, error) {
	units := 0
	for _, item := range order.Items {
		if err := tx.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			return 0, err
		}
		units += int(item.Quantity)
	}
	return units, nil
}

func (s *Service) onRetry(operation string, fields log.Fields) func(int, error) {
	return func(attempt int, err error) {
		if s.metrics != nil {
			s.metrics.RecordTxRetry(operation)
		}
		s.logger.WithError(err).WithFields(fields).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
		}).Warn("transient storage error, retrying transaction")
	}
}

func (s *Service) logCreateFailure(userID string, err error) {
	entry := s.logger.WithError(err).WithField("user_id", userID)
	if productID, ok := domain.ProductIDOf(err); ok {
		entry = entry.WithField("product_id", productID)
	}

	switch {
	case errors.Is(err, domain.ErrInvalidItem):
		s.recordCreateFailure(metrics.ReasonInvalidItem)
		entry.Warn("order rejected: unknown or inactive product")
	case errors.Is(err, domain.ErrInsufficientStock):
		s.recordCreateFailure(metrics.ReasonInsufficientStock)
		entry.Warn("order rejected: insufficient stock")
	case errors.Is(err, domain.ErrAmountOverflow):
		s.recordCreateFailure(metrics.ReasonInvalidRequest)
		entry.Warn("order rejected: amount out of range")
	default:
		s.recordCreateFailure(metrics.ReasonStorage)
		entry.Error("order creation failed")
	}
}

func (s *Service) recordCreateFailure(reason string) {
	if s.metrics != nil {
		s.metrics.RecordCreateFailure(reason)
	}
}

func (s *Service) recordTxDuration(operation string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordTxDuration(operation, d)
	}
}

func (s *Service) started() {
	if s.metrics != nil {
		s.metrics.OperationStarted()
	}
}

func (s *Service) finished() {
	if s.metrics != nil {
		s.metrics.OperationFinished()
	}
}
