package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка пустого идентификатора товара в позиции.
	ErrProductIDRequired = errors.New("item product_id is required")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("total_cents must be non-negative")
	// Ошибка при некорректном количестве товара (< 1).
	ErrItemQtyInvalid = errors.New("item quantity must be at least 1")
	// Ошибка, если цена или налог позиции отрицательные.
	ErrItemPriceInvalid = errors.New("item price and tax must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка, если сумма позиции или заказа не помещается в int64.
	ErrAmountOverflow = errors.New("order amount exceeds supported range")

	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается каталогом, если товара нет.
	ErrProductNotFound = errors.New("product not found")
	// ErrInvalidItem: товар неизвестен или неактивен на момент заказа.
	ErrInvalidItem = errors.New("product not found or inactive")
	// ErrInsufficientStock: запрошенное количество превышает доступный сток.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrAccessDenied: пользователь аутентифицирован, но ресурс ему не принадлежит.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidTransition: смена статуса нарушает правила жизненного цикла.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOnlyPendingCancellable: частный случай ErrInvalidTransition.
	ErrOnlyPendingCancellable = fmt.Errorf("%w: only pending orders can be cancelled", ErrInvalidTransition)
	// ErrCancelledIsTerminal: из CANCELLED переходов нет.
	ErrCancelledIsTerminal = fmt.Errorf("%w: cancelled orders cannot change status", ErrInvalidTransition)
	// ErrInvalidStatus: неизвестное значение статуса.
	ErrInvalidStatus = errors.New("unknown order status")
	// ErrOrderStatusConflict: статус заказа изменился между чтением и записью.
	ErrOrderStatusConflict = errors.New("order status changed concurrently")

	// ErrStorageTransient: временная ошибка хранилища (обрыв соединения, deadlock,
	// serialization failure). Транзакция откатилась целиком, её можно повторить.
	ErrStorageTransient = errors.New("storage temporary error")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound: пометка sent/failed для несуществующего id.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// ItemError привязывает ошибку к конкретному товару заказа.
type ItemError struct {
	ProductID string
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: product %s", e.Err, e.ProductID)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError оборачивает err идентификатором товара.
func NewItemError(productID string, err error) error {
	return &ItemError{ProductID: productID, Err: err}
}

// ProductIDOf извлекает идентификатор товара из цепочки ошибок.
func ProductIDOf(err error) (string, bool) {
	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr.ProductID, true
	}
	return "", false
}

// IsTransient проверяет, можно ли повторить транзакцию целиком.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageTransient)
}

// IsBusinessError сообщает, что ошибка является нарушением бизнес-правила, а не сбой инфраструктуры.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrOrderNotFound,
		ErrInvalidItem,
		ErrInsufficientStock,
		ErrAccessDenied,
		ErrInvalidTransition,
		ErrInvalidStatus,
		ErrAmountOverflow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
