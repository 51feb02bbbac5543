package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
)

var invalidArgumentErrors = []error{
	domain.ErrUserRequired,
	domain.ErrItemsRequired,
	domain.ErrProductIDRequired,
	domain.ErrOrderIDRequired,
	domain.ErrItemQtyInvalid,
	domain.ErrInvalidItem,
	domain.ErrInvalidStatus,
	domain.ErrAmountOverflow,
}

// codeOf сопоставляет доменную ошибку коду gRPC.
func codeOf(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrAccessDenied):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrOrderStatusConflict), errors.Is(err, idempotency.ErrRequestInProgress):
		return codes.Aborted
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrStorageTransient):
		return codes.Unavailable
	}

	for _, target := range invalidArgumentErrors {
		if errors.Is(err, target) {
			return codes.InvalidArgument
		}
	}
	return codes.Internal
}

// toStatus превращает ошибку в gRPC status. Текст внутренних ошибок наружу не отдаётся.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codeOf(err)
	switch code {
	case codes.Internal:
		return status.Error(code, "internal error")
	case codes.Unavailable:
		return status.Error(code, "storage temporarily unavailable, retry later")
	default:
		return status.Error(code, err.Error())
	}
}
