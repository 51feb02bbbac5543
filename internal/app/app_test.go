package app

import (
	"context"
	"net"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/ordercore/internal/catalog"
	grpcsvc "github.com/vladislavdragonenkov/ordercore/internal/service/grpc"
	"github.com/vladislavdragonenkov/ordercore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordercore/internal/service/ordering"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

// localConfig: конфигурация по умолчанию на случайных локальных портах.
func localConfig() Config {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Run(ctx, localConfig())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second, "shutdown must not hang")
}

func TestRun_StartupFailures(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"unknown storage driver": {func(c *Config) { c.StorageDriver = "invalid-driver" }, "unsupported storage driver"},
		"grpc port taken":        {func(c *Config) { c.GRPCAddr = busy.Addr().String() }, "listen grpc"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)
			require.ErrorContains(t, Run(context.Background(), cfg), tc.want)
		})
	}
}

func TestNewGRPCServer_ServesOrdersAndHealth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := catalog.Seed(ctx, store, nil)
	require.NoError(t, err)

	logger := log.WithField("test", "grpc-server")
	orders := ordering.NewService(store, store, store)
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository())
	server, _ := newGRPCServer(orders, guard, logger)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcsvc.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status)

	client := grpcsvc.NewClient(conn)
	resp, err := client.CreateOrder(grpcsvc.WithIdentity(ctx, "alice", ""), &grpcsvc.CreateOrderRequest{
		Items: []grpcsvc.ItemInput{{ProductID: "prod-novel", Quantity: 2}, {ProductID: "prod-headphones", Quantity: 1}},
	})
	require.NoError(t, err)
	// 2×1500 без налога + 19900 с налогом 10%.
	require.Equal(t, int64(3000+21890), resp.Order.TotalCents)

	events, err := store.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxMaxAttempts = 7
	cfg.TxRetryDelay = 0

	policy := retryPolicy(cfg)
	require.Equal(t, 7, policy.MaxAttempts)
	require.Zero(t, policy.InitialDelay)
}
