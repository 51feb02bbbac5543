package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"order not found", domain.ErrOrderNotFound, codes.NotFound},
		{"product not found", fmt.Errorf("load: %w", domain.ErrProductNotFound), codes.NotFound},
		{"access denied", domain.ErrAccessDenied, codes.PermissionDenied},
		{"insufficient stock", domain.NewItemError("p1", domain.ErrInsufficientStock), codes.FailedPrecondition},
		{"only pending", domain.ErrOnlyPendingCancellable, codes.FailedPrecondition},
		{"terminal", domain.ErrCancelledIsTerminal, codes.FailedPrecondition},
		{"status conflict", domain.ErrOrderStatusConflict, codes.Aborted},
		{"in progress", idempotency.ErrRequestInProgress, codes.Aborted},
		{"hash mismatch", domain.ErrIdempotencyHashMismatch, codes.AlreadyExists},
		{"transient", fmt.Errorf("commit: %w", domain.ErrStorageTransient), codes.Unavailable},
		{"invalid item", domain.NewItemError("ghost", domain.ErrInvalidItem), codes.InvalidArgument},
		{"invalid status", domain.ErrInvalidStatus, codes.InvalidArgument},
		{"qty", domain.ErrItemQtyInvalid, codes.InvalidArgument},
		{"order id", domain.ErrOrderIDRequired, codes.InvalidArgument},
		{"amount overflow", domain.NewItemError("gold", domain.ErrAmountOverflow), codes.InvalidArgument},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"status passthrough", status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
		{"unknown", errors.New("boom"), codes.Internal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, codeOf(tc.err))
		})
	}
}

func TestToStatus_HidesInternalDetails(t *testing.T) {
	require.NoError(t, toStatus(nil))

	st := status.Convert(toStatus(errors.New("pq: password authentication failed")))
	require.Equal(t, codes.Internal, st.Code())
	require.Equal(t, "internal error", st.Message())

	st = status.Convert(toStatus(fmt.Errorf("dial: %w", domain.ErrStorageTransient)))
	require.Equal(t, codes.Unavailable, st.Code())
	require.NotContains(t, st.Message(), "dial")

	st = status.Convert(toStatus(domain.NewItemError("laptop", domain.ErrInsufficientStock)))
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Contains(t, st.Message(), "laptop")
}

func TestJSONCodec(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)

	data, err := codec.Marshal(&CreateOrderRequest{Items: []ItemInput{{ProductID: "p1", Quantity: 2}}})
	require.NoError(t, err)
	require.JSONEq(t, `{"items":[{"product_id":"p1","quantity":2}]}`, string(data))

	var decoded CreateOrderRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.Equal(t, int32(2), decoded.Items[0].Quantity)

	var empty ListOrdersRequest
	require.NoError(t, codec.Unmarshal(nil, &empty))
	require.Zero(t, empty.Limit)

	err = codec.Unmarshal([]byte(`{"itemz":[]}`), &decoded)
	require.Error(t, err)
}

func TestBuildIdempotencyRequestHash(t *testing.T) {
	req := &CancelOrderRequest{OrderID: "o1"}

	h1, err := buildIdempotencyRequestHash(MethodCancelOrder, "alice", req)
	require.NoError(t, err)
	h2, err := buildIdempotencyRequestHash(MethodCancelOrder, "alice", &CancelOrderRequest{OrderID: "o1"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	other, err := buildIdempotencyRequestHash(MethodCancelOrder, "bob", req)
	require.NoError(t, err)
	require.NotEqual(t, h1, other)

	admin, err := buildIdempotencyRequestHash(MethodAdminCancelOrder, "alice", req)
	require.NoError(t, err)
	require.NotEqual(t, h1, admin)

	_, err = buildIdempotencyRequestHash(MethodCancelOrder, "alice", nil)
	require.Error(t, err)
}

func TestIdempotencyFailureRoundTrip(t *testing.T) {
	result := failureResult(status.Error(codes.FailedPrecondition, "insufficient stock: product laptop"))
	require.True(t, result.Failed)
	require.Equal(t, int(codes.FailedPrecondition), result.Code)

	st := status.Convert(decodeIdempotencyFailure(result))
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Equal(t, "insufficient stock: product laptop", st.Message())

	st = status.Convert(decodeIdempotencyFailure(idempotency.Result{Code: int(codes.NotFound), Failed: true}))
	require.Equal(t, codes.NotFound, st.Code())

	st = status.Convert(decodeIdempotencyFailure(idempotency.Result{Body: []byte("garbage"), Code: 99, Failed: true}))
	require.Equal(t, codes.Internal, st.Code())
}

func TestGrpcCodeFromInt(t *testing.T) {
	code, ok := grpcCodeFromInt(int(codes.Aborted))
	require.True(t, ok)
	require.Equal(t, codes.Aborted, code)

	_, ok = grpcCodeFromInt(-1)
	require.False(t, ok)
	_, ok = grpcCodeFromInt(int(codes.Unauthenticated) + 1)
	require.False(t, ok)
}

func TestIdentityInterceptor(t *testing.T) {
	interceptor := IdentityInterceptor(nil)
	var seen domain.Actor
	handler := func(ctx context.Context, _ any) (any, error) {
		seen, _ = ActorFromContext(ctx)
		return "ok", nil
	}
	incoming := func(pairs ...string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
	}

	_, err := interceptor(incoming(HeaderUserID, " alice "), nil, &grpc.UnaryServerInfo{FullMethod: MethodCreateOrder}, handler)
	require.NoError(t, err)
	require.Equal(t, domain.Actor{UserID: "alice", Role: domain.RoleCustomer}, seen)

	_, err = interceptor(incoming(HeaderUserID, "root", HeaderUserRole, "admin"), nil, &grpc.UnaryServerInfo{FullMethod: MethodSetOrderStatus}, handler)
	require.NoError(t, err)
	require.True(t, seen.IsAdmin())

	_, err = interceptor(incoming(HeaderUserID, "alice"), nil, &grpc.UnaryServerInfo{FullMethod: MethodAdminGetOrder}, handler)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: MethodListOrders}, handler)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestFailureResult_OnlyDeterministicCodesAreCached(t *testing.T) {
	cases := map[codes.Code]bool{
		codes.InvalidArgument:    false,
		codes.NotFound:           false,
		codes.PermissionDenied:   false,
		codes.FailedPrecondition: false,
		codes.Unavailable:        true,
		codes.Aborted:            true,
		codes.Canceled:           true,
		codes.DeadlineExceeded:   true,
		codes.Internal:           true,
	}
	for code, retryable := range cases {
		t.Run(code.String(), func(t *testing.T) {
			result := failureResult(status.Error(code, "boom"))
			require.True(t, result.Failed)
			require.Equal(t, retryable, result.Retryable)
		})
	}

	// Ошибка без gRPC-статуса считается внутренней и тоже не кешируется.
	require.True(t, failureResult(errors.New("plain")).Retryable)
}
