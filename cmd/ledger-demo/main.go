// Command ledger-demo wires the runtime's core packages end to end against
// an embedded NATS server: a Balance aggregate backed by the in-memory
// store, a Broker routing `main` to a subscriber stream, and a totals
// projection consuming that stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/arque-run/arque/examples/ledger"
	"github.com/arque-run/arque/pkg/aggregate"
	"github.com/arque-run/arque/pkg/broker"
	"github.com/arque-run/arque/pkg/config"
	configmem "github.com/arque-run/arque/pkg/config/memory"
	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/infrastructure/nats"
	"github.com/arque-run/arque/pkg/observability"
	"github.com/arque-run/arque/pkg/projection"
	"github.com/arque-run/arque/pkg/runner"
	"github.com/arque-run/arque/pkg/runtime/embeddednats"
	storemem "github.com/arque-run/arque/pkg/store/memory"
	streamnats "github.com/arque-run/arque/pkg/stream/nats"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledger-demo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "ledger-demo",
		ServiceVersion: "dev",
		Environment:    "dev",
		MetricReader:   sdkmetric.NewManualReader(),
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	natsSvc := embeddednats.New(embeddednats.WithNATSOptions(nats.WithPort(-1)))
	if err := natsSvc.Start(ctx); err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer func() { _ = natsSvc.Stop(context.Background()) }()

	strm, err := streamnats.New(streamnats.Config{
		URL:            natsSvc.URL(),
		ConsumerPrefix: "arque",
		MaxAge:         time.Hour,
		Partitions:     4,
	})
	if err != nil {
		return fmt.Errorf("connect stream adapter: %w", err)
	}
	defer strm.Close()

	st := storemem.New()
	cfg := config.NewCached(configmem.New())

	totals := ledger.NewTotalsState()
	proj := projection.New(st, strm, cfg, ledger.Handlers(), "balance-totals", totals, tel.Metrics, nil, projection.Options{})
	brk := broker.New(strm, cfg, tel.Metrics, nil, broker.Options{})

	r := runner.New([]runner.Service{proj, brk})
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- r.Run(ctx) }()

	// Give the broker/projection subscriptions a moment to establish
	// before issuing commands.
	time.Sleep(200 * time.Millisecond)

	factory := aggregate.NewFactory(ledger.NewBalanceConstructor(st, strm, 10, tel.Metrics)).WithMetrics(tel.Metrics)
	id := domain.AggregateIDFromString("demo-account")

	for _, amount := range []int64{10, 25, -5} {
		agg, err := factory.Load(ctx, id, aggregate.LoadOptions{})
		if err != nil {
			return fmt.Errorf("load aggregate: %w", err)
		}
		if err := ledger.ProcessUpdateBalance(ctx, agg, amount); err != nil {
			return fmt.Errorf("update balance by %d: %w", amount, err)
		}
		slog.Info("applied command", "amount", amount, "version", agg.Version(), "balance", agg.State())
	}

	if err := proj.WaitUntilSettled(ctx, time.Second); err != nil {
		return fmt.Errorf("wait until settled: %w", err)
	}
	slog.Info("projection totals", "balance", totals.Balance(id))

	stop()
	return <-runErrCh
}
