package ratelimit

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
	// Registerer, quando presente, recebe os gauges de vagas ocupadas e capacidade.
	Registerer prometheus.Registerer
}

// ConcurrencyMiddleware segura uma vaga durante todo o handler, ou seja, pelo
// tempo de vida do stream. Max <= 0 desliga o limite.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}

	pool := infra.NewSlotPool(opts.Max)
	if opts.Registerer != nil {
		registerSlotGauges(opts.Registerer, pool, opts.Logger)
	}
	svc := application.ConcurrencyService{
		Pool:           pool,
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				if errors.Is(err, application.ErrNoSlot) {
					opts.Logger.Warn().Int("max", opts.Max).Int("in_use", pool.InUse()).Msg("no stream slot available")
					writeText(w, opts.RejectStatus, UnavailableMessage)
				}
				// cliente foi embora enquanto esperava: nada a responder
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

func registerSlotGauges(reg prometheus.Registerer, pool *infra.SlotPool, logger zerolog.Logger) {
	inUse := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "stream",
		Name:      "slots_in_use",
		Help:      "Concurrent stream slots currently held.",
	}, func() float64 { return float64(pool.InUse()) })
	capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "stream",
		Name:      "slots_capacity",
		Help:      "Maximum concurrent stream slots.",
	}, func() float64 { return float64(pool.Cap()) })

	for _, c := range []prometheus.Collector{inUse, capacity} {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("stream slot gauge not registered")
		}
	}
}
