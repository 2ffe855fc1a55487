package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fedigateway/internal/config"
	"fedigateway/internal/gateway"
	"fedigateway/internal/lightning"
	"fedigateway/internal/lndclient"
)

const shutdownGrace = 15 * time.Second

// Server wires the gateway together: persistence, the Lightning backend,
// the federation adapter, the coordinator and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *log.Logger

	db          *pgxpool.Pool
	lnd         *lndclient.Client
	backend     lightning.Backend
	regtest     *lightning.RegtestBackend
	store       *gateway.Store
	registry    *gateway.Registry
	adapter     *gateway.Adapter
	coordinator *gateway.Coordinator
	dispatcher  *gateway.Dispatcher
	interceptor *gateway.Interceptor
	bus         *gateway.EventBus
}

func New(cfg *config.Config, logger *log.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Server) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, s.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	s.db = pool
	defer pool.Close()

	s.store = gateway.NewStore(pool)
	if err := s.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if err := s.initBackend(ctx); err != nil {
		return err
	}

	s.bus = gateway.NewEventBus()
	s.registry = gateway.NewRegistry(s.store, s.logger)
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("load federation registry: %w", err)
	}

	s.adapter = gateway.NewAdapter(gateway.NewHTTPFederationClient(), s.registry, s.logger, s.cfg.Gateway.FinalityPollInterval)
	s.coordinator = gateway.NewCoordinator(s.backend, s.adapter, s.store, s.bus, s.logger, gateway.CoordinatorConfig{
		SweepInterval:       s.cfg.Gateway.SweepInterval,
		MaxRouteAttempts:    s.cfg.Gateway.MaxRouteAttempts,
		RouteTimeoutSeconds: s.cfg.Gateway.RouteTimeoutSeconds,
		RouteFeeLimitMsat:   s.cfg.Gateway.DefaultRouteFeeLimitMsat,
	})
	s.dispatcher = gateway.NewDispatcher(s.backend, s.registry, s.store, s.coordinator, s.logger, s.cfg.Gateway.OutgoingDeadline)
	s.interceptor = gateway.NewInterceptor(s.backend, s.registry, s.store, s.store, s.coordinator, s.logger, gateway.InterceptorConfig{
		MinExpiryDeltaBlocks: s.cfg.Gateway.MinExpiryDeltaBlocks,
		DeadlineSafetyBlocks: s.cfg.Gateway.DeadlineSafetyBlocks,
		BlockTime:            s.cfg.Gateway.BlockTime,
	})

	s.coordinator.Start()
	defer s.coordinator.Stop()

	// Reconcile persisted state against the node before taking new traffic.
	scanner := gateway.NewScanner(s.backend, s.store, s.coordinator, s.logger)
	if err := scanner.Run(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go s.runInterceptor(runCtx)
	go s.runIntentCleanup(runCtx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			s.logger.Printf("listening on https://%s", addr)
			errCh <- httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
			return
		}
		s.logger.Printf("listening on http://%s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		s.logger.Printf("received %s, shutting down", sig)
	}

	stopRun()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("http shutdown: %v", err)
	}
	return nil
}

func (s *Server) initBackend(ctx context.Context) error {
	switch s.cfg.Gateway.Backend {
	case "regtest":
		s.regtest = lightning.NewRegtestBackend(0)
		s.backend = s.regtest
		s.logger.Printf("using in-process regtest backend")
		return nil
	default:
		s.lnd = lndclient.New(s.cfg, s.logger)
		backend := lightning.NewLNDBackend(s.lnd, s.logger)
		info, err := backend.Info(ctx)
		if err != nil {
			return fmt.Errorf("connect to lnd: %w", err)
		}
		s.logger.Printf("connected to lnd %s (%s) at height %d", info.Alias, info.Version, info.BlockHeight)
		s.backend = backend
		return nil
	}
}

// runIntentCleanup purges expired payment intents on the sweep cadence.
func (s *Server) runIntentCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Gateway.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.store.DeleteExpiredIntents(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Printf("intent cleanup failed: %v", err)
			} else if purged > 0 {
				s.logger.Printf("purged %d expired payment intent(s)", purged)
			}
		}
	}
}

// runInterceptor keeps the HTLC stream alive until shutdown.
func (s *Server) runInterceptor(ctx context.Context) {
	for {
		err := s.interceptor.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Printf("interceptor stream ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
