package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// SlotPool é um semáforo em channel: cada vaga é um stream aberto.
type SlotPool struct {
	sem chan struct{}
}

var _ domain.SlotPool = (*SlotPool)(nil)

func NewSlotPool(max int) *SlotPool {
	return &SlotPool{sem: make(chan struct{}, max)}
}

func (p *SlotPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, false
	}
	// o select escolhe ao acaso quando os dois estão prontos
	if ctx.Err() != nil {
		<-p.sem
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }, true
}

func (p *SlotPool) InUse() int { return len(p.sem) }

func (p *SlotPool) Cap() int { return cap(p.sem) }
