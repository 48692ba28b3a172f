package origin

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Middleware responde 403 em texto puro quando o Validator rejeita.
// A resposta não pode ser cacheada nem lida por outra origem.
func Middleware(v *Validator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := v.Check(r.Header.Get("Origin"), r.UserAgent())
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			re, _ := AsReject(err)
			logger.Info().
				Str("reason", string(re.Reason)).
				Str("origin", r.Header.Get("Origin")).
				Str("user_agent", r.UserAgent()).
				Msg("request rejected by validator")

			h := w.Header()
			h.Set("Content-Type", "text/plain; charset=utf-8")
			h.Set("Cache-Control", "no-store")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Vary", "Origin")
			h.Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(re.Reason))
		})
	}
}
