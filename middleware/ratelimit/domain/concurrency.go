package domain

import "context"

// SlotPool limita quantos streams ficam abertos ao mesmo tempo contra o upstream.
type SlotPool interface {
	// Acquire bloqueia até haver vaga ou o ctx encerrar. O release devolvido
	// pode ser chamado mais de uma vez; só a primeira chamada libera a vaga.
	Acquire(ctx context.Context) (release func(), ok bool)
	// InUse é o número de vagas ocupadas no momento.
	InUse() int
	Cap() int
}
