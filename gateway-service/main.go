package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hobbylink/meetup-chat/pkg/envelope"
	"github.com/hobbylink/meetup-chat/pkg/otelnats"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// workerCount reads GATEWAY_WORKERS and clamps it to the supported range.
func workerCount() int {
	n, err := strconv.Atoi(envOrDefault("GATEWAY_WORKERS", "6"))
	if err != nil {
		return defaultWorkers
	}
	if n < 4 {
		return 4
	}
	if n > 8 {
		return 8
	}
	return n
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	otelShutdown, err := otelnats.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("gateway-service")
	acceptedCounter, _ := meter.Int64Counter("gateway_envelopes_accepted_total",
		metric.WithDescription("Total envelopes dispatched to the worker pool"))
	rejectedCounter, _ := meter.Int64Counter("gateway_envelopes_rejected_total",
		metric.WithDescription("Total envelopes rejected before dispatch"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "gateway-service")
	natsPass := envOrDefault("NATS_PASS", "gateway-service-secret")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8080")
	workers := workerCount()
	queueSize, _ := strconv.Atoi(envOrDefault("GATEWAY_QUEUE_SIZE", "256"))

	slog.Info("Starting Gateway Service", "nats_url", natsURL, "listen", listenAddr, "workers", workers)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	workPool := newPool(workers, queueSize)
	gw := newGateway(nc, workPool)
	gw.onAccepted = func(ctx context.Context) {
		acceptedCounter.Add(ctx, 1)
	}
	gw.onRejected = func(ctx context.Context, reason string) {
		rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}

	// reportError reaches inbound-channel callers through their user queue,
	// since there is no socket to write to.
	reportError := func(ctx context.Context, userID, kind, text string) {
		if userID == "" {
			return
		}
		data, _ := json.Marshal(errorFrame{Error: text, Kind: kind})
		otelnats.Publish(ctx, nc, "user."+userID+".queue.errors", data)
	}

	// meetup.inbound.{room} — the server-to-server inbound channel. Other
	// backends inject envelopes here without holding a websocket.
	_, err = nc.QueueSubscribe("meetup.inbound.*", "gateway-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle inbound envelope")
		defer span.End()

		var env envelope.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unparseable")))
			slog.WarnContext(ctx, "Unparseable inbound envelope", "subject", msg.Subject, "error", err)
			return
		}
		if err := env.Validate(); err != nil {
			rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			slog.WarnContext(ctx, "Malformed inbound envelope", "subject", msg.Subject, "error", err)
			reportError(ctx, env.UserID, env.Kind, err.Error())
			return
		}
		subject, ok := subjectForKind(&env)
		if !ok {
			rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown-kind")))
			reportError(ctx, env.UserID, env.Kind, "unknown envelope kind")
			return
		}
		data, _ := json.Marshal(env)
		if !workPool.Submit(func() {
			if err := otelnats.Publish(ctx, nc, subject, data); err != nil {
				slog.ErrorContext(ctx, "Inbound dispatch failed", "subject", subject, "error", err)
			}
		}) {
			rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "backpressure")))
			slog.WarnContext(ctx, "Worker pool saturated, inbound envelope dropped", "subject", subject)
			reportError(ctx, env.UserID, env.Kind, "server busy, try again")
			return
		}
		acceptedCounter.Add(ctx, 1)
	})
	if err != nil {
		slog.Error("Failed to subscribe to meetup.inbound.*", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !nc.IsConnected() {
			http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", gw.handleWS)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Gateway listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	// Drain first: inbound subscriptions must stop feeding the pool before
	// the pool's queue closes.
	nc.Drain()
	workPool.Stop()
}
