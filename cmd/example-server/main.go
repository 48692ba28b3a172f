package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
	"admission-gateway/stream"
	"admission-gateway/upstream"
)

// Exemplo: usando o rate limit e o relay direto no seu webserver, sem o
// gateway completo. Responde com o provedor estático.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store := infra.NewMemoryStore(infra.WithCleanupEvery(time.Minute))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	client := upstream.Static{Delay: 80 * time.Millisecond}
	relay := &stream.Relay{WriteTimeout: 5 * time.Second, Logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			q = "hello"
		}
		seq, err := client.Open(r.Context(), upstream.ChatContext{UserQuery: q})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if state, err := relay.Relay(r.Context(), w, seq); state == stream.Idle && err != nil {
			http.Error(w, "upstream failed", http.StatusBadGateway)
		}
	})

	// 5 requisições a cada 10s por IP; estourou, fica 30s bloqueado
	policy := domain.Policy{Window: 10 * time.Second, MaxRequests: 5, BanDuration: 30 * time.Second}

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, Logger: logger})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Endpoint:            "example",
		Limiter:             application.Service{Store: store},
		Checks:              ratelimit.ByClientIP(ratelimit.ClientIP(true), policy),
		Logger:              logger,
		AddRateLimitHeaders: true,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("example server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}
