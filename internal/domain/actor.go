package domain

import "strings"

// Role: роль пользователя, выданная внешним сервисом авторизации.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole разбирает роль без учёта регистра. Пустая строка трактуется как CUSTOMER.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", RoleCustomer:
		return RoleCustomer, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Actor: аутентифицированный инициатор запроса. Учётные данные уже проверены снаружи.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin сообщает, есть ли у актора административные права.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Authorize проверяет доступ актора к заказу.
func (a Actor) Authorize(order Order) error {
	if a.IsAdmin() || order.OwnedBy(a.UserID) {
		return nil
	}
	return ErrAccessDenied
}
