package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"admission-gateway/stream"
	"admission-gateway/upstream"
)

// maxChatBody limita o corpo do ChatContext em bytes.
const maxChatBody = 256 << 10

const (
	msgBadRequest       = "Invalid request body."
	msgUpstreamTimeout  = "The assistant took too long to respond. Please try again."
	msgUpstreamDown     = "The assistant is unavailable right now. Please try again later."
	msgUpstreamNotReady = "The assistant is not configured."
)

type chatHandler struct {
	upstream upstream.Client
	relay    *stream.Relay
}

type completion struct {
	Text string `json:"text"`
}

// decode lê e valida o ChatContext; em caso de erro já respondeu 400.
func decodeChat(w http.ResponseWriter, r *http.Request) (upstream.ChatContext, bool) {
	var c upstream.ChatContext
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err := dec.Decode(&c); err != nil {
		writeText(w, http.StatusBadRequest, msgBadRequest)
		return c, false
	}
	if err := c.Validate(); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return c, false
	}
	return c, true
}

func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		writeText(w, http.StatusServiceUnavailable, msgUpstreamNotReady)
		return
	}
	c, ok := decodeChat(w, r)
	if !ok {
		return
	}
	logger := zerolog.Ctx(r.Context())

	seq, err := h.upstream.Open(r.Context(), c)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug().Err(err).Msg("client gone before upstream opened")
			return
		}
		upstreamFailure(w, logger, err)
		return
	}

	state, err := h.relay.Relay(r.Context(), w, seq)
	switch {
	case state == stream.Idle && err != nil:
		upstreamFailure(w, logger, err)
	case state == stream.Errored:
		logger.Warn().Err(err).Msg("upstream failed mid-stream")
	case state == stream.Cancelled:
		logger.Debug().Err(err).Msg("stream cancelled")
	}
}

func (h *chatHandler) complete(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		writeJSONError(w, http.StatusServiceUnavailable, msgUpstreamNotReady)
		return
	}
	c, ok := decodeChat(w, r)
	if !ok {
		return
	}

	text, err := h.upstream.Complete(r.Context(), c)
	if err != nil {
		status, msg := upstreamStatus(err)
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("upstream completion failed")
		writeJSONError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, completion{Text: text})
}

// upstreamFailure responde um erro de upstream antes do primeiro fragmento.
// Detalhes ficam no log, o cliente recebe só uma mensagem genérica.
func upstreamFailure(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	var ve *upstream.ValidationError
	if errors.As(err, &ve) {
		writeText(w, http.StatusBadRequest, ve.Error())
		return
	}
	status, msg := upstreamStatus(err)
	logger.Error().Err(err).Int("status", status).Msg("upstream failed before streaming")
	writeText(w, status, msg)
}

func upstreamStatus(err error) (int, string) {
	if errors.Is(err, upstream.ErrTimeout) {
		return http.StatusGatewayTimeout, msgUpstreamTimeout
	}
	return http.StatusBadGateway, msgUpstreamDown
}
