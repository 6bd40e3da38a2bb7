package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agrimarket/farmflow/internal/accounts"
	"github.com/agrimarket/farmflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	tel, err := telemetry.Init(ctx, "accounts", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	dsn, err := telemetry.WithSearchPath(postgresURL, "accounts")
	if err != nil {
		logger.Error("invalid POSTGRES_URL", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	repo := accounts.NewAccountRepository(db)
	handler := accounts.NewHandler(repo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /customers", telemetry.WithHTTPRoute(handler.HandleCreateCustomer))
	mux.HandleFunc("GET /customers/{email}", telemetry.WithHTTPRoute(handler.HandleGetCustomer))
	mux.HandleFunc("POST /customers/{email}/orders", telemetry.WithHTTPRoute(handler.HandleAppendCustomerOrder))
	mux.HandleFunc("DELETE /customers/{email}/orders/{orderId}", telemetry.WithHTTPRoute(handler.HandleRemoveCustomerOrder))
	mux.HandleFunc("POST /farmers", telemetry.WithHTTPRoute(handler.HandleCreateFarmer))
	mux.HandleFunc("GET /farmers/{id}", telemetry.WithHTTPRoute(handler.HandleGetFarmer))
	mux.HandleFunc("GET /farmers/{id}/addresses", telemetry.WithHTTPRoute(handler.HandleGetFarmerAddresses))
	mux.HandleFunc("POST /farmers/{id}/orders", telemetry.WithHTTPRoute(handler.HandleAppendFarmerOrder))
	mux.HandleFunc("DELETE /farmers/{id}/orders/{orderId}", telemetry.WithHTTPRoute(handler.HandleRemoveFarmerOrder))
	mux.Handle("GET /metrics", tel.MetricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8083"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      otelhttp.NewHandler(mux, "accounts"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting accounts service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
