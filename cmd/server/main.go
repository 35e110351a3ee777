package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"payflow-be/internal/config"
	"payflow-be/internal/db"
	"payflow-be/internal/gateway"
	"payflow-be/internal/logger"
	"payflow-be/internal/metrics"
	"payflow-be/internal/middleware"
	"payflow-be/internal/payment"
	"payflow-be/internal/payment/webhook"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServer(cfg *config.Config, database *sql.DB) http.Handler {
	registry := gateway.NewRegistry(cfg.Gateways)

	paymentRepo := payment.NewRepository(database)
	paymentSvc := payment.NewService(paymentRepo, registry, payment.Options{
		ReturnURL:      cfg.ReturnURL,
		CancelURL:      cfg.CancelURL,
		WebhookBaseURL: cfg.WebhookBaseURL,
	})

	webhookMetrics := &metrics.Webhook{}
	webhookHandler := webhook.NewHandler(paymentSvc, webhookMetrics)

	mux := http.NewServeMux()
	webhookHandler.Register(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	logger.L().Info("payment gateways ready",
		zap.Strings("enabled", registry.ListEnabled()),
	)

	var handler http.Handler = mux
	handler = middleware.RateLimitMiddleware(handler)
	handler = logger.LoggingMiddleware(handler)
	handler = logger.RequestIDMiddleware(handler)
	return handler
}

func main() {
	cfg := config.LoadConfig()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	database := db.InitDB(cfg)
	defer database.Close()

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: newServer(cfg, database),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.L().Info("payment service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		// Drain in-flight webhook deliveries before exiting.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
	logger.L().Info("server stopped")
}
