// Package origin implementa a validação estática de requisições: origem na
// allow-list e user-agent sem assinatura de ferramenta automatizada.
//
// Não há estado nem I/O; a rejeição é terminal e nunca é repetida.
package origin

import (
	"errors"
	"fmt"
	"strings"
)

// Reason é o motivo de rejeição exposto ao cliente.
type Reason string

const (
	ReasonOriginForbidden Reason = "origin_forbidden"
	ReasonAgentForbidden  Reason = "agent_forbidden"
)

// RejectError é devolvido por Check quando a requisição não pode seguir.
type RejectError struct {
	Reason Reason
}

func (e *RejectError) Error() string { return string(e.Reason) }

// AsReject extrai o RejectError de err, se houver.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	ok := errors.As(err, &re)
	return re, ok
}

// DefaultBlockedAgents cobre os clientes HTTP de linha de comando e bibliotecas
// mais usados em varreduras automatizadas.
var DefaultBlockedAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "httpie",
	"postman", "insomnia", "go-http-client", "java/", "okhttp",
	"libwww-perl", "scrapy", "axios/", "node-fetch",
}

// Validator guarda a configuração normalizada.
type Validator struct {
	origins map[string]struct{}
	agents  []string
}

// New normaliza as listas: origens sem espaços nem "/" final, agentes em minúsculas.
func New(allowedOrigins, blockedAgents []string) (*Validator, error) {
	v := &Validator{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			v.origins[o] = struct{}{}
		}
	}
	if len(v.origins) == 0 {
		return nil, fmt.Errorf("at least one allowed origin is required")
	}
	for _, a := range blockedAgents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			v.agents = append(v.agents, a)
		}
	}
	return v, nil
}

// Check aceita (nil) ou rejeita (*RejectError). Origem é verificada primeiro.
func (v *Validator) Check(origin, userAgent string) error {
	o := normalizeOrigin(origin)
	if o == "" {
		return &RejectError{Reason: ReasonOriginForbidden}
	}
	if _, ok := v.origins[o]; !ok {
		return &RejectError{Reason: ReasonOriginForbidden}
	}

	ua := strings.ToLower(userAgent)
	for _, a := range v.agents {
		if strings.Contains(ua, a) {
			return &RejectError{Reason: ReasonAgentForbidden}
		}
	}
	return nil
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.TrimSpace(o), "/")
}
