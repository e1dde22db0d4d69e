// Command a2agateway runs the protocol gateway: an HTTP side channel serving
// the agent card and the bearer-exchange endpoint, and the duplex socket
// serving the JSON-RPC method table.
//
// Usage:
//
//	export JWT_SECRET=... AGENT_URL=http://localhost:8080/a2a
//	go run ./cmd/a2agateway
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/agent"
	"github.com/manno23/a2agateway/internal/auth"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/config"
	"github.com/manno23/a2agateway/internal/httpchannel"
	"github.com/manno23/a2agateway/internal/lifecycle"
	"github.com/manno23/a2agateway/internal/obslog"
	"github.com/manno23/a2agateway/internal/ratelimit"
	"github.com/manno23/a2agateway/internal/rpc"
	"github.com/manno23/a2agateway/internal/sanitize"
	"github.com/manno23/a2agateway/internal/session"
	"github.com/manno23/a2agateway/internal/taskstore"
	"github.com/manno23/a2agateway/internal/telemetry"
	"github.com/manno23/a2agateway/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("a2agateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry.SetupPropagation()
	var tracerShutdown func(context.Context) error
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			log.Fatalf("a2agateway: tracer provider: %v", err)
		}
		tracerShutdown = tp.Shutdown
	}

	card := a2a.AgentCard{
		Name:        cfg.ServiceName,
		Description: "Reference A2A protocol gateway",
		URL:         cfg.AgentURL,
		Skills:      []string{"general"},
	}

	store := taskstore.New()
	b := broker.New(cfg.SubscriberQueueCapacity)
	lc := lifecycle.New(store, b, agent.EchoProcessor{})

	sessions := session.New(cfg.SessionTimeout, time.Minute)
	defer sessions.Close()

	limiter := ratelimit.New(cfg.RateLimitPoints, cfg.RateLimitDuration, cfg.RateLimitBlock)
	defer limiter.Close()

	sanitizer := sanitize.New(sanitize.Limits{
		MaxMessageIDLength: sanitize.DefaultLimits.MaxMessageIDLength,
		MaxPartsPerMessage: cfg.MaxParts,
		MaxTextLength:      cfg.MaxTextBytes,
		MaxMessageLength:   cfg.MaxMessageBytes,
	})

	validator := auth.New(auth.WithJWT(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience))

	dispatcher := rpc.New(sessions, cfg.SessionTimeout, limiter, sanitizer, store, lc, b, cfg.MonitoringTimeout, card)

	httpSrv := httpchannel.NewServer(card, validator, sessions, store, cfg.Port)

	socketListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port+1))
	if err != nil {
		log.Fatalf("a2agateway: listen: %v", err)
	}
	socketSrv := transport.NewServer(dispatcher, transport.WithRequestTimeout(cfg.SessionTimeout))

	go func() {
		obslog.Info("a2agateway: http side channel listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil {
			obslog.Error("a2agateway: http server stopped", "error", err)
		}
	}()

	go func() {
		obslog.Info("a2agateway: socket listening", "addr", socketListener.Addr().String())
		if err := socketSrv.Serve(ctx, socketListener); err != nil {
			obslog.Error("a2agateway: socket server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.Info("a2agateway: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		obslog.Warn("a2agateway: http shutdown", "error", err)
	}
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			obslog.Warn("a2agateway: tracer shutdown", "error", err)
		}
	}
}
