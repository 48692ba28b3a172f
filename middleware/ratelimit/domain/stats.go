package domain

import (
	"context"
	"time"
)

// StatsEvent representa uma decisão de admissão já tomada.
//
// Key é gravada apenas por stores que pedem isso explicitamente: chaves por IP
// ou por telefone explodem a cardinalidade em Redis/Prometheus. Para agregação
// use Class e Reason.
type StatsEvent struct {
	Endpoint string
	Key      Key
	Class    Class
	Allowed  bool
	Reason   Reason
	At       time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de admissão.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// Quem chama deve tratar erro como best-effort (não derrubar request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// EventFromDecision monta o evento a partir de uma decisão composta.
// Quando permitida, a classe registrada é a da primeira chave avaliada.
func EventFromDecision(endpoint string, dec Decision, at time.Time) StatsEvent {
	ev := StatsEvent{
		Endpoint: endpoint,
		Allowed:  dec.Allowed,
		Reason:   dec.Reason,
		Key:      dec.Key,
		At:       at,
	}
	if !dec.Allowed {
		ev.Class = dec.Key.Class()
	} else if len(dec.Outcomes) > 0 {
		ev.Key = dec.Outcomes[0].Key
		ev.Class = ev.Key.Class()
	}
	return ev
}
