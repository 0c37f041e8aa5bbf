package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ProPass/catalog"
	"ProPass/common"
	"ProPass/config"
	"ProPass/entitlement"
	"ProPass/login"
	"ProPass/postgres"
	"ProPass/receipt"
	"ProPass/subscription"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestTimeout = 60 * time.Second

func serve(ctx context.Context, cfg *config.Config) error {
	logger := zerolog.Ctx(ctx)

	if err := postgres.InitDB(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer postgres.CloseDB(ctx)

	products := catalog.NewDBCatalog(postgres.DB, cfg.DefaultProductID)
	if err := products.Reload(ctx); err != nil {
		logger.Warn().Msg("Starting with an empty product catalog")
	}
	go products.Run(ctx, cfg.CatalogReloadInterval)

	store := entitlement.NewPGStore(postgres.DB)
	reconciler := entitlement.NewReconciler(store, products)
	verifier := receipt.NewVerifier(receipt.Config{
		ProductionURL: cfg.VerifyProductionURL,
		SandboxURL:    cfg.VerifySandboxURL,
		SharedSecret:  cfg.AppleSharedSecret,
		Timeout:       cfg.VerifyTimeout,
		RatePerSecond: cfg.VerifyRatePerSecond,
	})
	logger.Info().
		Str("production_url", cfg.VerifyProductionURL).
		Str("sandbox_url", cfg.VerifySandboxURL).
		Str("shared_secret", receipt.MaskSecretValue(cfg.AppleSharedSecret)).
		Msg("Receipt verifier configured")
	audit := subscription.NewPGAuditLog(postgres.DB)

	subscriptionSvc := subscription.NewSubscriptionService(store, reconciler, verifier, products, subscription.Config{
		PlanDuration:     cfg.PlanDuration,
		DefaultProductID: cfg.DefaultProductID,
	})
	loginSvc := login.NewService(login.Config{
		JWTSecret:      cfg.JWTSecret,
		ServiceKeyHash: cfg.PaymentServiceKeyHash,
	})

	subscriptionHandler := subscription.NewSubscriptionHandler(subscriptionSvc)
	ingester := subscription.NewWebhookIngester(reconciler, audit, cfg.AppleSharedSecret, cfg.AppleBundleID)
	stripeHandler := subscription.NewStripeWebhookHandler(cfg.StripeWebhookSecret, subscriptionSvc, audit)

	mux := http.NewServeMux()

	// User routes
	mux.HandleFunc("GET /user/subscription", loginSvc.AuthMiddleware(subscriptionHandler.HandleGetUserSubscription))
	mux.HandleFunc("GET /user/{user_id}/subscription/status", loginSvc.AuthMiddleware(subscriptionHandler.HandleGetUserSubscriptionStatus))
	mux.HandleFunc("POST /subscription/purchase", loginSvc.AuthMiddleware(subscriptionHandler.HandlePurchaseSubscription))
	mux.HandleFunc("GET /subscription/products", loginSvc.AuthMiddleware(subscriptionHandler.HandleGetSubscriptionProducts))

	// Trusted payment callers
	mux.HandleFunc("POST /internal/payments/{user_id}/activate", loginSvc.ServiceKeyMiddleware(subscriptionHandler.HandleActivatePayment))
	mux.HandleFunc("POST /internal/payments/{user_id}/renew", loginSvc.ServiceKeyMiddleware(subscriptionHandler.HandleRenewPayment))

	// Provider webhooks, authenticated by their payloads
	mux.HandleFunc("POST /webhook/apple/subscription", ingester.HandleAppStoreNotification)
	mux.Handle("POST /webhook/stripe", stripeHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := postgres.DB.Ping(pingCtx); err != nil {
			common.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		common.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: common.RequestIDMiddleware(
			common.LoggerMiddleware(*logger)(
				common.RecoveryMiddleware(
					common.TimeoutMiddleware(requestTimeout)(mux),
				),
			),
		),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s, closeLocker, err := newSweeper(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeLocker()
	if _, err := s.Schedule(ctx, cfg.SweepSchedule); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", metricsServer.Addr).Msg("Metrics server starting")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info().Msg("Initiating server shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during metrics server shutdown")
	}

	logger.Info().Msg("Server shutdown complete")
	return serveErr
}
