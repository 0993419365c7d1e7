// Package rpc exposes the escrow engine over an authenticated HTTP JSON API.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowengine/native/bank"
	"escrowengine/native/escrow"
	"escrowengine/observability"
	"escrowengine/storage/journal"
)

// Engine is the subset of *escrow.Engine served over RPC.
type Engine interface {
	Initialize(ctx context.Context, depositor [20]byte, params escrow.InitParams) (*escrow.Escrow, error)
	Fund(ctx context.Context, caller [20]byte, ref escrow.Ref) (*escrow.Escrow, error)
	Release(ctx context.Context, caller [20]byte, ref escrow.Ref) (*escrow.Escrow, error)
	RaiseDispute(ctx context.Context, caller [20]byte, ref escrow.Ref, reason string) (*escrow.Escrow, error)
	ResolveDispute(ctx context.Context, caller [20]byte, ref escrow.Ref, releaseToBeneficiary bool) (*escrow.Escrow, error)
	Cancel(ctx context.Context, caller [20]byte, ref escrow.Ref) (*escrow.Escrow, error)
	AutoRelease(ctx context.Context, caller [20]byte, ref escrow.Ref) (*escrow.Escrow, error)
	Get(ctx context.Context, ref escrow.Ref) (*escrow.Escrow, error)
	List(ctx context.Context, depositor [20]byte) ([]*escrow.Escrow, error)
	VaultBalance(ctx context.Context, ref escrow.Ref) (*big.Int, error)
}

// Ledger serves balance queries and the development faucet.
type Ledger interface {
	Balance(ctx context.Context, account [20]byte, asset string) (*big.Int, error)
	Bank(ctx context.Context, fn func(*bank.Ledger) error) error
}

// Journal serves the audit event feed.
type Journal interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
}

// Options configures the server.
type Options struct {
	Logger            *slog.Logger
	Assets            []string
	Faucet            bool
	FaucetLimit       *big.Int
	MaxRequestSkew    time.Duration
	RequestsPerSecond float64
	Burst             int
	ReadHeaderTimeout time.Duration
	// NowFunc overrides the clock used to check request timestamps.
	NowFunc func() time.Time
}

// Server routes HTTP requests to the escrow engine.
type Server struct {
	engine  Engine
	ledger  Ledger
	journal Journal
	clock   escrow.Clock
	opts    Options

	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	metrics interface {
		Observe(route string, status int, duration time.Duration)
		RecordThrottle(reason string)
	}
	router http.Handler
}

// NewServer wires the API. journal may be nil, in which case /events
// reports 503.
func NewServer(engine Engine, ledger Ledger, events Journal, clock escrow.Clock, opts Options) (*Server, error) {
	if engine == nil || ledger == nil || clock == nil {
		return nil, errors.New("rpc: engine, ledger and clock are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.FaucetLimit == nil {
		opts.FaucetLimit = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	}
	s := &Server{
		engine:  engine,
		ledger:  ledger,
		journal: events,
		clock:   clock,
		opts:    opts,
		logger:  opts.Logger,
		auth:    NewAuthenticator(opts.MaxRequestSkew, opts.NowFunc),
		limiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst),
		metrics: observability.RPC(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(q chi.Router) {
		q.Use(s.rateLimit)
		q.Get("/status", s.handleStatus)
		q.Get("/escrows/{depositor}", s.handleList)
		q.Get("/escrows/{depositor}/{id}", s.handleGet)
		q.Get("/balances/{account}/{asset}", s.handleBalance)
		q.Get("/events", s.handleEvents)
	})

	r.Group(func(signed chi.Router) {
		signed.Use(s.auth.Middleware(s.authFailed))
		signed.Use(s.rateLimit)
		signed.Post("/escrows", s.handleInitialize)
		signed.Post("/escrows/{depositor}/{id}/fund", s.handleFund)
		signed.Post("/escrows/{depositor}/{id}/release", s.handleRelease)
		signed.Post("/escrows/{depositor}/{id}/dispute", s.handleDispute)
		signed.Post("/escrows/{depositor}/{id}/resolve", s.handleResolve)
		signed.Post("/escrows/{depositor}/{id}/cancel", s.handleCancel)
		signed.Post("/escrows/{depositor}/{id}/auto-release", s.handleAutoRelease)
		if s.opts.Faucet {
			signed.Post("/faucet", s.handleFaucet)
		}
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on lis until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(s, "escrow-rpc"),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
