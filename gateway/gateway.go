// Package gateway monta o roteador HTTP: validação de origem, rate limit,
// limite de concorrência e os handlers de chat e OTP.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"admission-gateway/delivery"
	"admission-gateway/middleware/origin"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/stream"
	"admission-gateway/upstream"
)

// Endpoints, como aparecem nas estatísticas e nos logs.
const (
	EndpointStream = "stream"
	EndpointOTP    = "otp"
)

// GlobalOTPKey é a chave global compartilhada por todos os envios de OTP.
var GlobalOTPKey = domain.NewKey(domain.ClassGlobal, "otp")

// GlobalStreamKey é a chave global das rotas de chat.
var GlobalStreamKey = domain.NewKey(domain.ClassGlobal, "stream")

// Policies são as políticas nomeadas por classe de chave e endpoint.
// Uma política com MaxRequests == 0 fica desligada.
type Policies struct {
	StreamIP     domain.Policy
	StreamGlobal domain.Policy

	OTPIdentity domain.Policy
	OTPIP       domain.Policy
	OTPGlobal   domain.Policy
}

func enabled(p domain.Policy) bool { return p.MaxRequests > 0 }

// Deps são as dependências do gateway, montadas em cmd/gateway.
type Deps struct {
	Validator *origin.Validator
	Limiter   ratelimit.Evaluator
	Stats     domain.StatsStore
	Policies  Policies
	TrustXFF  bool

	ConcurrencyMax     int
	ConcurrencyTimeout time.Duration

	Upstream upstream.Client
	Relay    *stream.Relay

	Sender      delivery.Sender
	OTPTemplate string

	AddRateLimitHeaders bool
	// Metrics é servido em /metrics quando não for nil.
	Metrics    http.Handler
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// New devolve o handler raiz.
//
// A ordem dos filtros das rotas de chat é fixa: origem, rate limit,
// concorrência e só então o corpo da requisição é lido.
func New(d Deps) http.Handler {
	if d.Relay == nil {
		d.Relay = &stream.Relay{Logger: d.Logger}
	}
	clientIP := ratelimit.ClientIP(d.TrustXFF)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	var extra []domain.Check
	if enabled(d.Policies.StreamGlobal) {
		extra = append(extra, domain.Check{Key: GlobalStreamKey, Policy: d.Policies.StreamGlobal})
	}

	chat := &chatHandler{upstream: d.Upstream, relay: d.Relay}
	r.Route("/api/chat", func(r chi.Router) {
		if d.Validator != nil {
			r.Use(origin.Middleware(d.Validator, d.Logger))
		}
		r.Use(ratelimit.Middleware(ratelimit.Options{
			Endpoint:            EndpointStream,
			Limiter:             d.Limiter,
			Checks:              ratelimit.ByClientIP(clientIP, d.Policies.StreamIP, extra...),
			Stats:               d.Stats,
			Logger:              d.Logger,
			AddRateLimitHeaders: d.AddRateLimitHeaders,
		}))
		r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Max:            d.ConcurrencyMax,
			AcquireTimeout: d.ConcurrencyTimeout,
			Logger:         d.Logger,
			Registerer:     d.Registerer,
		}))
		r.Post("/stream", chat.stream)
		r.Post("/complete", chat.complete)
	})

	otp := &otpHandler{
		limiter:  d.Limiter,
		stats:    d.Stats,
		policies: d.Policies,
		clientIP: clientIP,
		sender:   d.Sender,
		template: d.OTPTemplate,
	}
	r.Post("/api/otp/send", otp.send)

	return r
}
