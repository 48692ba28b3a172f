package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"admission-gateway/delivery"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/domain"
)

const maxOTPBody = 4 << 10

const (
	msgOTPBadRequest    = "Both 'to' and 'generatedOtp' are required; the code must be 4 to 10 digits."
	msgOTPLimited       = "Too many verification codes requested. Please try again later."
	msgOTPUnavailable   = "Service temporarily unavailable, please try again later."
	msgOTPNotConfigured = "Verification code delivery is not configured."
	msgOTPProviderDown  = "Could not reach the messaging provider. Please try again later."
)

type otpRequest struct {
	To           string `json:"to"`
	GeneratedOTP string `json:"generatedOtp"`
}

type otpResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type otpHandler struct {
	limiter  ratelimit.Evaluator
	stats    domain.StatsStore
	policies Policies
	clientIP ratelimit.KeyFunc
	sender   delivery.Sender
	template string
}

// NormalizeRecipient remove separadores comuns de telefone, para que
// "+1 (555) 123-4567" e "+15551234567" contem na mesma chave.
func NormalizeRecipient(to string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(to))
}

func validCode(code string) bool {
	if len(code) < 4 || len(code) > 10 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (h *otpHandler) checks(r *http.Request, to string) []domain.Check {
	checks := make([]domain.Check, 0, 3)
	if enabled(h.policies.OTPIdentity) {
		checks = append(checks, domain.Check{Key: domain.NewKey(domain.ClassIdentity, to), Policy: h.policies.OTPIdentity})
	}
	if enabled(h.policies.OTPIP) {
		checks = append(checks, domain.Check{Key: domain.NewKey(domain.ClassIP, h.clientIP(r)), Policy: h.policies.OTPIP})
	}
	if enabled(h.policies.OTPGlobal) {
		checks = append(checks, domain.Check{Key: GlobalOTPKey, Policy: h.policies.OTPGlobal})
	}
	return checks
}

func (h *otpHandler) send(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req otpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOTPBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, msgOTPBadRequest)
		return
	}
	to := NormalizeRecipient(req.To)
	code := strings.TrimSpace(req.GeneratedOTP)
	if to == "" || !validCode(code) {
		writeJSONError(w, http.StatusBadRequest, msgOTPBadRequest)
		return
	}

	if h.limiter != nil {
		dec, err := h.limiter.Evaluate(r.Context(), h.checks(r, to))
		if err != nil {
			logger.Error().Err(err).Bool("store_failure", ratelimit.IsStoreFailure(err)).Msg("otp rate limit failed, denying")
			writeJSONError(w, http.StatusServiceUnavailable, msgOTPUnavailable)
			return
		}
		ratelimit.RecordDecision(r, h.stats, EndpointOTP, dec)
		if !dec.Allowed {
			logger.Info().
				Str("key", string(dec.Key)).
				Str("reason", string(dec.Reason)).
				Dur("retry_after", dec.RetryAfter).
				Msg("otp request rate limited")
			w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(dec.RetryAfter))
			writeJSONError(w, http.StatusTooManyRequests, msgOTPLimited)
			return
		}
	}

	if h.sender == nil {
		writeJSONError(w, http.StatusServiceUnavailable, msgOTPNotConfigured)
		return
	}

	resp, err := h.sender.Send(r.Context(), delivery.Message{To: to, Body: delivery.RenderOTP(h.template, code)})
	if err != nil {
		var pe *delivery.ProviderError
		if errors.As(err, &pe) {
			logger.Warn().Int("provider_status", pe.StatusCode).Msg("otp delivery rejected by provider")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(pe.StatusCode)
			_, _ = w.Write(pe.Body)
			return
		}
		logger.Error().Err(err).Msg("otp delivery failed")
		writeJSONError(w, http.StatusBadGateway, msgOTPProviderDown)
		return
	}
	writeJSON(w, http.StatusOK, otpResponse{Success: true, Data: resp.Body})
}
