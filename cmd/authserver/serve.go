package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/fitmetrics/authserver"
	"github.com/fitmetrics/authserver/instrumentation"
	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/server"
	"github.com/fitmetrics/authserver/storage"
)

const (
	gracefulTimeout   = 30 * time.Second
	requestTimeout    = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
)

// app is the wired protocol stack shared by serve and the client commands.
type app struct {
	store      storage.Store
	closeStore func()
	keys       *keys.Manager
	server     *server.Server
}

func (a *app) Close() {
	a.closeStore()
}

// buildApp opens storage and wires keys, signer and server. inst may be nil.
func (c *cli) buildApp(ctx context.Context, inst *instrumentation.Instrumentation) (*app, error) {
	store, closeStore, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, closeStore: closeStore}

	if observed, ok := store.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok && inst != nil {
		observed.SetInstrumentation(inst)
	}

	auditor := security.NewAuditor(c.logger, c.cfg.Audit)
	logIPs := c.cfg.LogClientIPs
	if inst != nil {
		logIPs = inst.ShouldLogClientIPs()
	}
	auditor.SetLogClientIPs(logIPs)

	a.keys, err = c.newKeyManager(ctx, store, auditor)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.keys.SetInstrumentation(inst); err != nil {
		c.logger.Warn("Failed to register key metrics", "error", err)
	}

	signer, err := c.newSigner(a.keys)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server, err = server.New(store, signer, c.cfg.serverConfig(), c.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.server.SetAuditor(auditor)
	a.server.SetInstrumentation(inst)

	return a, nil
}

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server. Signing keys are loaded from storage,
a first key is generated when none exists, and keys rotate in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd.Context())
		},
	}

	cmd.Flags().String("listen", "", "address to listen on (default :8080)")
	if err := c.v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(fmt.Sprintf("bind flag listen: %v", err))
	}
	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authserver",
		ServiceVersion: version,
		Enabled:        c.cfg.Metrics.Enabled,
		LogClientIPs:   c.cfg.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	a, err := c.buildApp(ctx, inst)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.keys.EnsureActiveKey(ctx); err != nil {
		return fmt.Errorf("failed to provision a signing key: %w", err)
	}

	handler := oauth.NewHandler(a.server, a.keys,
		oauth.NewSessionAuthenticator(a.server, c.cfg.HTTP.SessionCookieName),
		c.cfg.handlerConfig(), c.logger)
	handler.SetInstrumentation(inst)
	defer handler.Close()

	router := chi.NewRouter()
	router.Use(middleware.Timeout(requestTimeout))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", c.readiness(a))
	if c.cfg.Metrics.Enabled {
		router.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{}))
	}
	router.Mount("/", handler.Routes())

	httpServer := &http.Server{
		Addr:              c.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.logger.Info("Authorization server listening",
			"address", c.cfg.Listen,
			"issuer", c.cfg.Issuer,
			"storage", c.cfg.Storage.Backend,
			"active_kid", a.keys.ActiveKID())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info("Shutting down authorization server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.keys.Run(gctx)
	})

	if cleaner, ok := a.store.(storage.Cleaner); ok && c.cfg.Storage.Backend == backendPostgres {
		g.Go(func() error {
			return c.runCleanup(gctx, cleaner, a.server)
		})
	}

	return g.Wait()
}

// runCleanup deletes expired states, codes and refresh tokens on an interval.
// The memory backend has its own loop and Valkey expires keys itself.
func (c *cli) runCleanup(ctx context.Context, cleaner storage.Cleaner, srv *server.Server) error {
	ticker := time.NewTicker(c.cfg.Storage.Postgres.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deleted, err := cleaner.DeleteExpired(ctx, srv.Now())
			if err != nil {
				c.logger.Error("Expired artifact cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				c.logger.Info("Deleted expired authorization artifacts", "count", deleted)
			}
		}
	}
}

func (c *cli) readiness(a *app) http.HandlerFunc {
	pinger, _ := a.store.(interface{ Ping(context.Context) error })
	return func(w http.ResponseWriter, r *http.Request) {
		if a.keys.ActiveKID() == "" {
			http.Error(w, "no active signing key", http.StatusServiceUnavailable)
			return
		}
		if pinger != nil {
			if err := pinger.Ping(r.Context()); err != nil {
				c.logger.Warn("Readiness check failed", "error", err)
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
