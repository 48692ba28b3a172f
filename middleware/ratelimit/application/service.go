package application

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"admission-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit composto.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Store domain.RecordStore
	Now   func() time.Time
}

// Evaluate avalia todas as chaves, sempre. Mesmo que uma já tenha falhado, as
// demais consomem cota no store; a decisão reporta a primeira falha na ordem
// recebida (mais específica primeiro, global por último).
//
// Erro do store derruba a avaliação inteira e deve virar negação.
func (s Service) Evaluate(ctx context.Context, checks []domain.Check) (domain.Decision, error) {
	if len(checks) == 0 {
		return domain.Decision{Allowed: true}, nil
	}
	if s.Store == nil {
		return domain.Decision{}, fmt.Errorf("no store configured: %w", domain.ErrStoreUnavailable)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now()

	outcomes := make([]domain.Outcome, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			out, err := s.Store.CheckAndUpdate(gctx, c.Key, c.Policy, at)
			if err != nil {
				return fmt.Errorf("check %s: %w", c.Key, err)
			}
			out.Key = c.Key
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Decision{}, err
	}

	dec := domain.Decision{Allowed: true, Outcomes: outcomes}
	for _, out := range outcomes {
		if out.Passed {
			continue
		}
		dec.Allowed = false
		dec.Key = out.Key
		dec.Reason = out.Reason
		dec.RetryAfter = out.RetryAfter
		break
	}
	return dec, nil
}
