// Package delivery envia mensagens pelo gateway de mensageria externo (SMS).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable: provedor inalcançável ou circuito aberto.
	ErrUnavailable = errors.New("delivery provider unavailable")
	// ErrNotConfigured: nenhum endpoint do provedor configurado.
	ErrNotConfigured = errors.New("delivery provider not configured")
)

// maxBody limita o corpo da resposta do provedor que é lido.
const maxBody = 64 << 10

// Message é uma mensagem de texto para um destinatário.
type Message struct {
	To   string `json:"to"`
	Body string `json:"message"`
}

// Response é a resposta 2xx do provedor, repassada ao cliente como data.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// ProviderError é uma resposta não-2xx do provedor; status e corpo são repassados.
type ProviderError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("delivery provider returned status %d", e.StatusCode)
}

// Sender é o contrato usado pelo handler de OTP.
type Sender interface {
	Send(ctx context.Context, m Message) (*Response, error)
}

type Config struct {
	URL   string
	Token string
	// RPS limita o ritmo de envio ao provedor; <= 0 desliga.
	RPS     float64
	Burst   int
	Timeout time.Duration
	// FailureThreshold é o número de falhas seguidas que abre o circuito.
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HTTPClient       *http.Client
	Logger           zerolog.Logger
}

// Client fala com o provedor via HTTP POST JSON, com ritmo controlado e
// circuit breaker. Não há retry: uma OTP duplicada é pior que uma falha.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

var _ Sender = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	c := &Client{cfg: cfg, http: cfg.HTTPClient}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	logger := cfg.Logger
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "delivery",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// 4xx do provedor é problema da requisição, não do provedor
		IsSuccessful: func(err error) bool {
			var pe *ProviderError
			if errors.As(err, &pe) {
				return pe.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c, nil
}

// Send envia a mensagem. Resposta 2xx vira *Response; não-2xx vira
// *ProviderError; falha de transporte ou circuito aberto vira ErrUnavailable.
func (c *Client) Send(ctx context.Context, m Message) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, m)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.(*Response), nil
}

func (c *Client) post(ctx context.Context, m Message) (*Response, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	c.cfg.Logger.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(started)).Msg("delivery provider responded")

	body := asJSON(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: body}
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// asJSON devolve o corpo como está se for JSON; senão, como string JSON.
func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(trimmed))
	return b
}

// RenderOTP monta o texto da mensagem a partir do template (%s = código).
func RenderOTP(template, code string) string {
	if template == "" || !strings.Contains(template, "%s") {
		template = "Your verification code is %s"
	}
	return fmt.Sprintf(template, code)
}
