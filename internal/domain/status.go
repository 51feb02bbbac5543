package domain

// CheckTransition проверяет переход статуса заказа.
//
// Отменить можно только PENDING-заказ. Из CANCELLED переходов нет, поэтому
// повторная отмена не вернёт сток второй раз. Остальные административные
// переходы принимаются как есть: полный жизненный цикл доставки здесь не валидируется.
func CheckTransition(from, to OrderStatus) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	if to == OrderStatusCancelled {
		if from != OrderStatusPending {
			return ErrOnlyPendingCancellable
		}
		return nil
	}
	if from == OrderStatusCancelled {
		return ErrCancelledIsTerminal
	}
	return nil
}

// RequiresStockRestore сообщает, нужно ли вернуть сток при переходе.
func RequiresStockRestore(from, to OrderStatus) bool {
	return from == OrderStatusPending && to == OrderStatusCancelled
}
