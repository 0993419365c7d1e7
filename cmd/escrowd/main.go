package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrowengine/config"
	"escrowengine/core/clock"
	"escrowengine/core/events"
	"escrowengine/core/state"
	"escrowengine/native/escrow"
	"escrowengine/observability"
	"escrowengine/observability/logging"
	telemetry "escrowengine/observability/otel"
	"escrowengine/rpc"
	"escrowengine/storage"
	"escrowengine/storage/journal"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Override the RPC listen address")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*listenFlag); trimmed != "" {
		cfg.ListenAddress = trimmed
	}

	env := strings.TrimSpace(os.Getenv("ESCROW_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "escrowd",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, logger); err != nil {
		logger.Error("escrowd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

func run(ctx context.Context, cfg *config.Config, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	logger.Info("escrowd listening",
		slog.String("address", lis.Addr().String()),
		slog.Uint64("slot", n.clock.CurrentSlot()),
		slog.Bool("faucet", cfg.DevFaucet))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.server.Serve(gctx, lis)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// node owns every long-lived resource of the daemon.
type node struct {
	db      storage.Database
	journal *journal.Journal
	manager *state.Manager
	engine  *escrow.Engine
	clock   *clock.Wall
	server  *rpc.Server
	closers []io.Closer
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{}
	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	n.db = db
	n.closers = append(n.closers, closerFunc(func() error { db.Close(); return nil }))

	eventLog, err := journal.Open(cfg.ResolveJournalPath())
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	eventLog.SetLogger(logger)
	n.journal = eventLog
	n.closers = append(n.closers, eventLog)

	emitter := events.Fanout{eventLog, observability.Events()}
	n.manager = state.NewManager(db)
	n.manager.SetEmitter(emitter)
	n.clock = clock.NewWall(cfg.Genesis(), cfg.SlotLength())

	n.engine = escrow.NewEngine()
	n.engine.SetHost(n.manager)
	n.engine.SetClock(n.clock)
	n.engine.SetEmitter(emitter)
	n.engine.SetLogger(logger)
	n.engine.SetMetrics(observability.Escrow())
	n.engine.SetAllowSelfArbitration(cfg.AllowSelfArbitration)
	if err := n.engine.SetAssets(cfg.Assets); err != nil {
		n.Close()
		return nil, fmt.Errorf("configure assets: %w", err)
	}

	n.server, err = rpc.NewServer(n.engine, n.manager, n.journal, n.clock, rpc.Options{
		Logger:            logger,
		Assets:            cfg.Assets,
		Faucet:            cfg.DevFaucet,
		MaxRequestSkew:    cfg.RequestSkew(),
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Close releases resources in reverse order of acquisition.
func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		_ = n.closers[i].Close()
	}
	n.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
