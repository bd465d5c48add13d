package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/GateRelay/internal/auth"
	"github.com/AlexKimmel/GateRelay/internal/config"
	"github.com/AlexKimmel/GateRelay/internal/gateway"
	"github.com/AlexKimmel/GateRelay/internal/obs"
	"github.com/AlexKimmel/GateRelay/internal/ratelimit"
	"github.com/AlexKimmel/GateRelay/internal/ratelimit/memory"
	"github.com/AlexKimmel/GateRelay/internal/ratelimit/redisstore"
	"github.com/AlexKimmel/GateRelay/internal/relay"
	"github.com/AlexKimmel/GateRelay/internal/routing"
	"github.com/AlexKimmel/GateRelay/internal/upstream"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), rt.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Root) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
	return nil
}

type app struct {
	handler  http.Handler
	metrics  *obs.Metrics
	userLim  *ratelimit.Limiter
	ipLim    *ratelimit.Limiter
	closers  []func() error
	shutdown context.CancelFunc
}

func (a *app) Close() {
	a.shutdown()
	for _, c := range a.closers {
		_ = c()
	}
}

// newApp wires stores, limiters, auth, upstream client and routes. The
// background janitor and failback loops stop when ctx ends or on Close.
func newApp(ctx context.Context, cfg *config.Root, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{metrics: obs.NewMetrics(reg), shutdown: cancel}

	local := memory.New()
	local.StartJanitor(ctx, time.Minute)

	var shared ratelimit.Store
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		shared = redisstore.New(rdb, redisstore.WithPrefix(cfg.Redis.KeyPrefix))
	}

	limOpts := func(name string) ratelimit.Options {
		return ratelimit.Options{
			StoreTimeout: cfg.Limits.StoreTimeout(),
			ProbeTimeout: cfg.Limits.ProbeTimeout(),
			Logger:       logger.With().Str("limiter", name).Logger(),
			OnDegrade:    a.metrics.ObserveDegraded,
		}
	}
	a.userLim = ratelimit.New(
		ratelimit.Policy{Requests: cfg.Limits.Requests, Window: cfg.Limits.Window()},
		shared, local, limOpts("user"),
	)
	a.ipLim = ratelimit.New(
		ratelimit.Policy{Requests: cfg.Limits.IP.Requests, Window: cfg.Limits.IPWindow()},
		shared, local, limOpts("ip"),
	)
	for _, l := range []*ratelimit.Limiter{a.userLim, a.ipLim} {
		l.Probe(ctx)
		l.StartFailback(ctx, cfg.Limits.FailbackInterval())
	}
	logger.Info().
		Str("backend", a.userLim.Backend()).
		Int("requests", cfg.Limits.Requests).
		Dur("window", cfg.Limits.Window()).
		Msg("rate limiter ready")

	users := make([]auth.User, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{ID: u.ID, Name: u.Name, Active: !u.Disabled})
	}
	gate := auth.NewGate(cfg.Auth.SecretKey, cfg.Auth.Issuer, auth.NewStaticDirectory(users))
	issuer := auth.NewIssuer(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL())

	up := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout(),
	})
	rl := relay.New(up, relay.Options{
		Defaults: relay.Defaults{
			Model:            cfg.Upstream.DefaultModel,
			MaxTokens:        cfg.Upstream.MaxTokens,
			Temperature:      *cfg.Upstream.Temperature,
			TopP:             *cfg.Upstream.TopP,
			FrequencyPenalty: cfg.Upstream.FrequencyPenalty,
			PresencePenalty:  cfg.Upstream.PresencePenalty,
		},
		Buffer: cfg.Relay.Buffer,
		Logger: logger.With().Str("component", "relay").Logger(),
	})
	chat := relay.NewHandler(rl)
	chat.OnUpstreamError = a.metrics.ObserveUpstreamError
	chat.OnStreamOutcome = func(s relay.State) { a.metrics.ObserveStream(s.String()) }

	trust := cfg.Limits.TrustForwardedFor
	perUser := gateway.RateLimit(a.userLim, auth.UserPartitionKey(trust), nil, a.metrics.ObserveRateLimited)
	promPath := cfg.Observability.PrometheusPath

	rr := routing.New()
	rr.Handle("health", "/api/v1/health", gateway.Health(version), http.MethodGet)
	rr.Handle("health_detailed", "/api/v1/health/detailed",
		gateway.DetailedHealth(version, 5*time.Second, limiterCheck(a.userLim), upstreamCheck(rl)),
		http.MethodGet)
	rr.Handle("chat", "/api/v1/chat/completions", perUser(chat.Completions()), http.MethodPost)
	rr.Handle("chat_stream", "/api/v1/chat/completions/stream", perUser(chat.Stream()), http.MethodPost)
	rr.Handle("models", "/api/v1/chat/models", chat.Models(), http.MethodGet)
	rr.Handle("auth_me", "/api/v1/auth/me", auth.MeHandler(), http.MethodGet)
	rr.Handle("auth_refresh", "/api/v1/auth/refresh", issuer.RefreshHandler(), http.MethodPost)
	rr.Handle("metrics", promPath, a.metrics.Handler(), http.MethodGet)

	public := map[string]struct{}{
		"/api/v1/health":          {},
		"/api/v1/health/detailed": {},
		promPath:                  {},
	}

	a.handler = gateway.Chain(rr,
		obs.Logger(logger),
		gateway.RouteMatcher(rr, nil),
		a.metrics.Middleware(map[string]struct{}{promPath: {}}),
		gateway.BodyLimit(cfg.Server.MaxBodyBytes),
		gateway.RateLimit(a.ipLim, auth.ClientPartitionKey(trust), public, a.metrics.ObserveRateLimited),
		gate.Middleware(public),
	)
	return a, nil
}

func limiterCheck(l *ratelimit.Limiter) gateway.HealthCheck {
	return gateway.HealthCheck{
		Name: "rate_limiter",
		Run: func(context.Context) (map[string]any, error) {
			return map[string]any{
				"backend":  l.Backend(),
				"degraded": l.Degraded(),
			}, nil
		},
	}
}

func upstreamCheck(rl *relay.Relay) gateway.HealthCheck {
	return gateway.HealthCheck{
		Name: "upstream",
		Run: func(ctx context.Context) (map[string]any, error) {
			return nil, rl.Ping(ctx)
		},
	}
}
