// Команда loadtest нагружает OrderService по gRPC и печатает сводку по латентности.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/ordercore/internal/service/grpc"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateCancel loadMode = "create-cancel"
	// modeRace: все покупатели конкурируют за один и тот же товар.
	modeRace loadMode = "race"
)

var errFailures = errors.New("load test finished with failures")

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	productID   string
	qty         int
	userTag     string
	expectStock int
	outputPath  string
}

// orderClient описывает часть grpcsvc.Client, нужную сценариям.
type orderClient interface {
	CreateOrder(ctx context.Context, req *grpcsvc.CreateOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CreateOrderResponse, error)
	CancelOrder(ctx context.Context, req *grpcsvc.CancelOrderRequest, opts ...grpc.CallOption) (*grpcsvc.CancelOrderResponse, error)
}

var _ orderClient = (*grpcsvc.Client)(nil)

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "OrderService gRPC address")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "scenario: create | create-cancel | race")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound only if set")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "parallel workers")
	fs.IntVar(&cfg.connections, "connections", 20, "gRPC connections shared by workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "deadline of a single RPC")
	fs.StringVar(&cfg.productID, "product", "prod-novel", "product to order")
	fs.IntVar(&cfg.qty, "qty", 1, "units per order")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "prefix of generated user ids")
	fs.IntVar(&cfg.expectStock, "expect-stock", 0, "race: stock before the run, 0 skips the oversell check")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	return cfg, cfg.validate()
}

// validate возвращает первое нарушенное ограничение.
func (c config) validate() error {
	rules := []struct {
		broken bool
		msg    string
	}{
		{c.duration < 0, "duration must be >= 0"},
		{c.duration == 0 && c.total <= 0, "total must be > 0 without duration"},
		{c.duration > 0 && c.totalSet && c.total <= 0, "explicit total must be > 0"},
		{c.concurrency <= 0, "concurrency must be > 0"},
		{c.connections <= 0, "connections must be > 0"},
		{c.timeout <= 0, "timeout must be > 0"},
		{c.qty <= 0, "qty must be > 0"},
		{c.expectStock < 0, "expect-stock must be >= 0"},
		{strings.TrimSpace(c.productID) == "", "product is required"},
		{strings.TrimSpace(c.userTag) == "", "user-tag is required"},
	}
	for _, r := range rules {
		if r.broken {
			return errors.New(r.msg)
		}
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeCreate, modeCreateCancel, modeRace:
		return mode, nil
	}
	return "", fmt.Errorf("unsupported mode: %s", value)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	clients, closeAll, err := dialClients(cfg.addr, cfg.connections)
	if err != nil {
		return err
	}
	defer closeAll()

	runID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
	result := executeLoad(cfg, clients, runID)

	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	if result.FailedScenarios > 0 || result.Oversold {
		return errFailures
	}
	return nil
}

// dialClients открывает n соединений; closeAll закрывает уже открытые даже после ошибки.
func dialClients(addr string, n int) ([]orderClient, func(), error) {
	conns := make([]*grpc.ClientConn, 0, n)
	closeAll := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	clients := make([]orderClient, 0, n)
	for range n {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("create grpc client connection: %w", err)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	return clients, closeAll, nil
}

// executeLoad прогоняет сценарии на пуле воркеров и собирает отчёт.
func executeLoad(cfg config, clients []orderClient, runID string) report {
	startedAt := time.Now()
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)

	var g errgroup.Group
	for w := range cfg.concurrency {
		client := clients[w%len(clients)]
		g.Go(func() error {
			for id := range jobs {
				// Ошибка сценария уже учтена коллектором.
				_ = runScenario(client, cfg, id, runID, col)
			}
			return nil
		})
	}
	dispatchJobs(jobs, cfg)
	_ = g.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if cfg.mode == modeRace && cfg.expectStock > 0 {
		result.Oversold = result.SuccessScenarios*int64(cfg.qty) > int64(cfg.expectStock)
	}
	return result
}

// dispatchJobs раздаёт номера сценариев: total штук либо до истечения duration.
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	ctx := context.Background()
	limit := cfg.total
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
		if !cfg.totalSet {
			limit = -1
		}
	}

	for i := 0; limit < 0 || i < limit; i++ {
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}

func runScenario(client orderClient, cfg config, index int, runID string, col *collector) (err error) {
	start := time.Now()
	defer func() {
		col.record(scenarioMethod, time.Since(start), scenarioCode(err))
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)

	var orderID string
	err = timedCall(cfg.timeout, userID, fmt.Sprintf("lt-create-%s-%d", runID, index), "CreateOrder", col,
		func(ctx context.Context) error {
			resp, err := client.CreateOrder(ctx, &grpcsvc.CreateOrderRequest{
				Items: []grpcsvc.ItemInput{{ProductID: cfg.productID, Quantity: int32(cfg.qty)}},
			})
			if err == nil {
				orderID = resp.Order.ID
			}
			return err
		})
	if err != nil {
		return err
	}
	if orderID == "" {
		return errEmptyOrderID
	}
	if cfg.mode != modeCreateCancel {
		return nil
	}

	return timedCall(cfg.timeout, userID, fmt.Sprintf("lt-cancel-%s-%d", runID, index), "CancelOrder", col,
		func(ctx context.Context) error {
			_, err := client.CancelOrder(ctx, &grpcsvc.CancelOrderRequest{OrderID: orderID})
			return err
		})
}

var errEmptyOrderID = errors.New("create response returned empty order id")

// timedCall выполняет один RPC от имени userID с ключом идемпотентности и пишет его в коллектор.
func timedCall(timeout time.Duration, userID, key, method string, col *collector, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = grpcsvc.WithIdempotencyKey(grpcsvc.WithIdentity(ctx, userID, ""), key)

	start := time.Now()
	err := call(ctx)
	col.record(method, time.Since(start), grpcCode(err))
	return err
}

// scenarioCode: пустой id заказа считается внутренней ошибкой сервера.
func scenarioCode(err error) codes.Code {
	if errors.Is(err, errEmptyOrderID) {
		return codes.Internal
	}
	return grpcCode(err)
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
