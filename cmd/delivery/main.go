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

	"github.com/agrimarket/farmflow/internal/delivery"
	"github.com/agrimarket/farmflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	tel, err := telemetry.Init(ctx, "delivery", "0.1.0")
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

	dsn, err := telemetry.WithSearchPath(postgresURL, "delivery")
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

	deliveries := delivery.NewDeliveryRepository(db)
	agents := delivery.NewAgentRepository(db)
	handler := delivery.NewHandler(deliveries, agents, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /deliveries", telemetry.WithHTTPRoute(handler.HandleCreateDelivery))
	mux.HandleFunc("GET /deliveries", telemetry.WithHTTPRoute(handler.HandleListDeliveries))
	mux.HandleFunc("GET /deliveries/{id}", telemetry.WithHTTPRoute(handler.HandleGetDelivery))
	mux.HandleFunc("PATCH /deliveries/{id}/status", telemetry.WithHTTPRoute(handler.HandleUpdateDeliveryStatus))
	mux.HandleFunc("POST /agents", telemetry.WithHTTPRoute(handler.HandleCreateAgent))
	mux.HandleFunc("GET /agents", telemetry.WithHTTPRoute(handler.HandleListAgents))
	mux.HandleFunc("GET /agents/{id}", telemetry.WithHTTPRoute(handler.HandleGetAgent))
	mux.HandleFunc("POST /agents/{id}/reserve", telemetry.WithHTTPRoute(handler.HandleReserveAgent))
	mux.HandleFunc("POST /agents/{id}/release", telemetry.WithHTTPRoute(handler.HandleReleaseAgent))
	mux.HandleFunc("DELETE /agents/{id}", telemetry.WithHTTPRoute(handler.HandleDeleteAgent))
	mux.Handle("GET /metrics", tel.MetricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      otelhttp.NewHandler(mux, "delivery"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting delivery service", "port", port)
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
