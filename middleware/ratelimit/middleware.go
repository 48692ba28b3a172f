package ratelimit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"admission-gateway/middleware/ratelimit/domain"
)

// BlockedMessage é o corpo do 429 nas rotas de texto.
const BlockedMessage = "Too many requests. You are temporarily blocked, please try again later."

// UnavailableMessage é o corpo do 503 quando o store de contadores falha.
const UnavailableMessage = "Service temporarily unavailable, please try again later."

// Evaluator é o que o middleware precisa do limiter (application.Service).
type Evaluator interface {
	Evaluate(ctx context.Context, checks []domain.Check) (domain.Decision, error)
}

type KeyFunc func(r *http.Request) string

// ChecksFunc monta as chaves de uma requisição, da mais específica para a global.
type ChecksFunc func(r *http.Request) []domain.Check

type Options struct {
	Endpoint            string
	Limiter             Evaluator
	Checks              ChecksFunc
	Stats               domain.StatsStore
	Logger              zerolog.Logger
	RejectStatus        int
	AddRateLimitHeaders bool
}

// ClientIP extrai o IP do cliente. Com trustXFF, usa o primeiro IP do
// X-Forwarded-For e depois X-Real-IP; sempre cai para RemoteAddr.
func ClientIP(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// ByClientIP limita por IP e, opcionalmente, por chaves fixas extras (ex.: global).
func ByClientIP(ip KeyFunc, p domain.Policy, extra ...domain.Check) ChecksFunc {
	return func(r *http.Request) []domain.Check {
		checks := make([]domain.Check, 0, 1+len(extra))
		checks = append(checks, domain.Check{Key: domain.NewKey(domain.ClassIP, ip(r)), Policy: p})
		return append(checks, extra...)
	}
}

// Middleware aplica o limiter antes do próximo handler. Negação vira 429 em
// texto puro com Retry-After; falha do store vira 503 (fail closed).
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Limiter == nil || opts.Checks == nil {
				next.ServeHTTP(w, r)
				return
			}

			checks := opts.Checks(r)
			dec, err := opts.Limiter.Evaluate(r.Context(), checks)
			if err != nil {
				opts.Logger.Error().Err(err).Str("endpoint", opts.Endpoint).Msg("rate limit store failed, denying")
				writeText(w, http.StatusServiceUnavailable, UnavailableMessage)
				return
			}
			RecordDecision(r, opts.Stats, opts.Endpoint, dec)

			if opts.AddRateLimitHeaders && len(checks) > 0 && len(dec.Outcomes) == len(checks) {
				i := reportedCheck(dec)
				w.Header().Set("X-RateLimit-Limit", formatInt(int(checks[i].Policy.MaxRequests)))
				w.Header().Set("X-RateLimit-Remaining", formatInt(remaining(checks[i].Policy, dec.Outcomes[i])))
			}

			if !dec.Allowed {
				opts.Logger.Info().
					Str("endpoint", opts.Endpoint).
					Str("key", string(dec.Key)).
					Str("reason", string(dec.Reason)).
					Dur("retry_after", dec.RetryAfter).
					Msg("request rate limited")
				w.Header().Set("Retry-After", RetryAfterSeconds(dec.RetryAfter))
				writeText(w, opts.RejectStatus, BlockedMessage)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RecordDecision grava a decisão no StatsStore em best-effort: a falha só é
// logada no logger da requisição, nunca muda a resposta.
func RecordDecision(r *http.Request, stats domain.StatsStore, endpoint string, dec domain.Decision) {
	if stats == nil {
		return
	}
	if err := stats.Record(r.Context(), domain.EventFromDecision(endpoint, dec, time.Now())); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("endpoint", endpoint).Msg("admission stats not recorded")
	}
}

// reportedCheck é o índice da chave descrita nos headers X-RateLimit-*:
// a que negou, ou a mais específica quando tudo passou.
func reportedCheck(dec domain.Decision) int {
	if dec.Allowed {
		return 0
	}
	for i, out := range dec.Outcomes {
		if out.Key == dec.Key {
			return i
		}
	}
	return 0
}

// IsStoreFailure diz se o erro do limiter veio do backend de contadores.
func IsStoreFailure(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}

func remaining(p domain.Policy, out domain.Outcome) int {
	if !out.Passed {
		return 0
	}
	left := p.MaxRequests - out.Record.Count
	if left < 0 {
		left = 0
	}
	return int(left)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
