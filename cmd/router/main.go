// Command router runs the request router: the HTTP API, the worker pool
// and every background poller the configuration enables.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/request_router/internal/app"
	"github.com/R3E-Network/request_router/internal/app/httpapi"
	"github.com/R3E-Network/request_router/internal/config"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/internal/platform/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration (overrides ROUTER_CONFIG)")
	flag.Parse()
	if *configPath != "" {
		_ = os.Setenv("ROUTER_CONFIG", *configPath)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "router: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New("request-router", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Database.DSN != "" && cfg.Database.Migrate {
		if err := migrations.Migrate(cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrations applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.Options{Logger: log})
	if err != nil {
		return err
	}
	defer application.Close()

	apiCfg := httpapi.Config{
		Router:    application.Router,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Logger:    log.Named("httpapi"),
	}
	if apiCfg.PublicKey, err = loadPublicKey(cfg.Server.JWTPublicKeyPath); err != nil {
		return err
	}
	if application.Automation != nil {
		apiCfg.Tasks = application.Automation
	}
	if application.Ledger != nil {
		apiCfg.Ledger = application.Ledger
	}
	handler, limiter := httpapi.NewHandler(apiCfg)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.RunCleanup(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		return application.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("router stopped")
	return nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, errors.New("server.jwt_public_key_path is required")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}
