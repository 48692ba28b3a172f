package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStoreUnavailable indica falha no backend de contadores.
// O limiter trata isso como negação (fail closed).
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Key identifica um registro de contagem, no formato "<classe>:<valor>".
// Chaves são opacas e comparadas por igualdade exata.
type Key string

// Class é a classificação da chave (ip, identity, global).
type Class string

const (
	ClassIP       Class = "ip"
	ClassIdentity Class = "identity"
	ClassGlobal   Class = "global"
)

func NewKey(class Class, value string) Key {
	return Key(string(class) + ":" + strings.TrimSpace(value))
}

// Class devolve o prefixo da chave (parte antes do primeiro ':').
func (k Key) Class() Class {
	if i := strings.IndexByte(string(k), ':'); i >= 0 {
		return Class(k[:i])
	}
	return Class(k)
}

// Policy é a configuração de uma janela fixa com banimento.
type Policy struct {
	Window      time.Duration
	MaxRequests int64
	// BanDuration == 0 desliga a escalada para ban.
	BanDuration time.Duration
}

func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be > 0")
	}
	if p.BanDuration < 0 {
		return fmt.Errorf("ban duration must be >= 0")
	}
	return nil
}

// TTL é o tempo mínimo que um registro precisa sobreviver no store.
func (p Policy) TTL() time.Duration {
	if p.BanDuration > p.Window {
		return p.BanDuration
	}
	return p.Window
}

// Record é o estado persistido por chave. BannedUntil zero significa sem ban.
type Record struct {
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	BannedUntil time.Time `json:"bannedUntil,omitempty"`
}

func (r Record) Banned(now time.Time) bool {
	return !r.BannedUntil.IsZero() && now.Before(r.BannedUntil)
}

// Reason é o motivo de uma chave ter falhado.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonBanned       Reason = "banned"
	ReasonRateExceeded Reason = "rate_exceeded"
)

// Outcome é o resultado da avaliação de uma única chave.
type Outcome struct {
	Key        Key
	Record     Record
	Passed     bool
	Reason     Reason
	RetryAfter time.Duration
}

// Check associa uma chave à política que vale para ela nesta requisição.
type Check struct {
	Key    Key
	Policy Policy
}

// Decision é a decisão composta sobre todas as chaves de uma requisição.
type Decision struct {
	Allowed bool
	// Key/Reason/RetryAfter descrevem a primeira chave que falhou.
	Key        Key
	Reason     Reason
	RetryAfter time.Duration

	Outcomes []Outcome
}

// RecordStore guarda os registros por chave.
//
// CheckAndUpdate precisa ser atômico por chave: leitura e escrita do registro
// acontecem como uma única operação, mesmo com requisições concorrentes.
type RecordStore interface {
	CheckAndUpdate(ctx context.Context, key Key, p Policy, now time.Time) (Outcome, error)
}

// Apply é a transição de estado de uma chave. exists=false indica primeira observação.
//
//  1. ban ativo: falha com "banned", contagem intacta
//  2. janela vencida (ou ban já expirado): nova janela com count=1
//  3. senão incrementa; acima do máximo falha com "rate_exceeded" e aplica ban
func Apply(rec Record, exists bool, p Policy, now time.Time) (Record, Outcome) {
	if exists && rec.Banned(now) {
		return rec, Outcome{
			Record:     rec,
			Reason:     ReasonBanned,
			RetryAfter: rec.BannedUntil.Sub(now),
		}
	}

	if !exists || !rec.BannedUntil.IsZero() || now.Sub(rec.WindowStart) >= p.Window {
		rec = Record{Count: 1, WindowStart: now}
		return rec, Outcome{Record: rec, Passed: true}
	}

	rec.Count++
	if rec.Count <= p.MaxRequests {
		return rec, Outcome{Record: rec, Passed: true}
	}

	out := Outcome{Reason: ReasonRateExceeded}
	if p.BanDuration > 0 {
		rec.BannedUntil = now.Add(p.BanDuration)
		out.RetryAfter = p.BanDuration
	} else {
		out.RetryAfter = rec.WindowStart.Add(p.Window).Sub(now)
	}
	out.Record = rec
	return rec, out
}
