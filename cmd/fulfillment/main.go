package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agrimarket/farmflow/internal/fulfillment"
	"github.com/agrimarket/farmflow/internal/messaging"
	"github.com/agrimarket/farmflow/internal/telemetry"
)

func requireEnv(logger *slog.Logger, name string) string {
	value := os.Getenv(name)
	if value == "" {
		logger.Error(name + " environment variable is required")
		os.Exit(1)
	}
	return value
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	tel, err := telemetry.Init(ctx, "fulfillment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	ordersServiceURL := requireEnv(logger, "ORDERS_SERVICE_URL")
	stockServiceURL := requireEnv(logger, "STOCK_SERVICE_URL")
	accountsServiceURL := requireEnv(logger, "ACCOUNTS_SERVICE_URL")
	deliveryServiceURL := requireEnv(logger, "DELIVERY_SERVICE_URL")

	var producer *messaging.Producer
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		producer = messaging.NewProducer(strings.Split(kafkaBrokers, ","), "order.events")
		defer func() { _ = producer.Close() }()
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events will not be published")
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	picker := fulfillment.PickerByName(os.Getenv("AGENT_PICK_POLICY"))

	var publisher fulfillment.EventPublisher
	if producer != nil {
		publisher = producer
	}

	orch := fulfillment.NewOrchestrator(
		fulfillment.NewOrderClient(ordersServiceURL, httpClient),
		fulfillment.NewStockClient(stockServiceURL, httpClient),
		fulfillment.NewAccountsClient(accountsServiceURL, httpClient),
		fulfillment.NewDeliveryClient(deliveryServiceURL, httpClient),
		picker,
		publisher,
		logger,
	)

	handler := fulfillment.NewHandler(orch,
		fulfillment.NewServiceProxy(ordersServiceURL, httpClient, logger),
		fulfillment.NewServiceProxy(deliveryServiceURL, httpClient, logger),
		logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "fulfillment",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting fulfillment service", "port", port, "policy", picker.Name())
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
