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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"admission-gateway/delivery"
	"admission-gateway/gateway"
	"admission-gateway/middleware/origin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
	"admission-gateway/stream"
	"admission-gateway/upstream"
)

func main() {
	// .env é opcional; variáveis já exportadas têm precedência
	_ = godotenv.Load()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := newLogger(cfg)
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gateway stopped")
	}
}

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.logFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "admission-gateway").Logger()
}

func run(ctx context.Context, cfg config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var rdb *redis.Client
	if cfg.usesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var store domain.RecordStore
	switch cfg.rateStore {
	case "redis":
		store = infra.NewRedisStore(rdb, infra.WithKeyPrefix(cfg.redisPrefix+":ratelimit:record"))
	default:
		mem := infra.NewMemoryStore()
		mem.StartJanitor(ctx)
		store = mem
	}

	stats, err := newStats(cfg, rdb, reg)
	if err != nil {
		return err
	}

	validator, err := origin.New(cfg.allowedOrigins, cfg.blockedAgents)
	if err != nil {
		return fmt.Errorf("origin validator: %w", err)
	}

	client, err := newUpstream(ctx, cfg, logger)
	if err != nil {
		return err
	}

	relayMetrics, err := stream.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("relay metrics: %w", err)
	}

	var sender delivery.Sender
	if cfg.deliveryURL != "" {
		c, err := delivery.New(delivery.Config{
			URL:    cfg.deliveryURL,
			Token:  cfg.deliveryToken,
			RPS:    cfg.deliveryRPS,
			Burst:  int(cfg.deliveryRPS) + 1,
			Logger: logger.With().Str("component", "delivery").Logger(),
		})
		if err != nil {
			return fmt.Errorf("delivery client: %w", err)
		}
		sender = c
	} else {
		logger.Warn().Msg("DELIVERY_URL not set, /api/otp/send will answer 503")
	}

	h := gateway.New(gateway.Deps{
		Validator:          validator,
		Limiter:            application.Service{Store: store},
		Stats:              stats,
		Policies:           cfg.policies,
		TrustXFF:           cfg.trustXFF,
		ConcurrencyMax:     cfg.concurrencyMax,
		ConcurrencyTimeout: cfg.concurrencyTimeout,
		Upstream:           client,
		Relay: &stream.Relay{
			ErrorNotice:  cfg.streamErrorNotice,
			WriteTimeout: cfg.streamWriteTimeout,
			Logger:       logger.With().Str("component", "relay").Logger(),
			Metrics:      relayMetrics,
		},
		Sender:              sender,
		OTPTemplate:         cfg.otpTemplate,
		AddRateLimitHeaders: cfg.addHeaders,
		Metrics:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Registerer:          reg,
		Logger:              logger,
	})

	// sem WriteTimeout global: streams longos são protegidos pelo prazo por escrita do relay
	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	logger.Info().
		Str("addr", cfg.listenAddr).
		Strs("origins", cfg.allowedOrigins).
		Str("rate_store", cfg.rateStore).
		Str("stats", cfg.statsBackend).
		Str("upstream", cfg.upstreamProvider).
		Int("concurrency_max", cfg.concurrencyMax).
		Bool("trust_xff", cfg.trustXFF).
		Msg("gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newStats(cfg config, rdb *redis.Client, reg prometheus.Registerer) (domain.StatsStore, error) {
	switch cfg.statsBackend {
	case "memory":
		return infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.statsTrackKeys)), nil
	case "redis":
		return infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.statsPrefix),
			infra.WithStatsTTL(cfg.statsTTL),
			infra.WithStatsBucket(cfg.statsBucket),
			infra.WithStatsTrackKeys(cfg.statsTrackKeys),
		), nil
	case "prometheus":
		s, err := infra.NewPrometheusStats(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus stats: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

func newUpstream(ctx context.Context, cfg config, logger zerolog.Logger) (upstream.Client, error) {
	if cfg.upstreamProvider == "static" {
		logger.Warn().Msg("using static upstream provider, no model will be called")
		return upstream.Static{Delay: 40 * time.Millisecond}, nil
	}
	g, err := upstream.NewGemini(ctx, upstream.GeminiConfig{
		APIKey:          cfg.geminiAPIKey,
		Model:           cfg.geminiModel,
		Temperature:     cfg.geminiTemperature,
		MaxOutputTokens: cfg.geminiMaxTokens,
		Timeout:         cfg.upstreamTimeout,
		Logger:          logger.With().Str("component", "gemini").Logger(),
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}
