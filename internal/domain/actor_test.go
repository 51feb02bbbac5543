package domain_test

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.Role
		ok   bool
	}{
		{raw: "", want: domain.RoleCustomer, ok: true},
		{raw: "customer", want: domain.RoleCustomer, ok: true},
		{raw: " Admin ", want: domain.RoleAdmin, ok: true},
		{raw: "root", ok: false},
	}

	for _, tt := range tests {
		got, ok := domain.ParseRole(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseRole(%q) = %q,%v want %q,%v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestActorAuthorize(t *testing.T) {
	order := domain.Order{ID: "o-1", UserID: "alice"}

	if err := (domain.Actor{UserID: "alice", Role: domain.RoleCustomer}).Authorize(order); err != nil {
		t.Fatalf("owner must have access: %v", err)
	}
	if err := (domain.Actor{UserID: "root", Role: domain.RoleAdmin}).Authorize(order); err != nil {
		t.Fatalf("admin must have access: %v", err)
	}
	err := (domain.Actor{UserID: "bob", Role: domain.RoleCustomer}).Authorize(order)
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}
