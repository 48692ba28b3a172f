package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// MemoryStore é o RecordStore de processo único: um map protegido por mutex,
// com limpeza periódica de registros que já passaram do TTL da política.
//
// Serve para deploy de uma instância só; com várias instâncias use RedisStore.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[domain.Key]*storeEntry
	cleanupEvery time.Duration
}

type storeEntry struct {
	rec       domain.Record
	expiresAt time.Time
}

type StoreOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[domain.Key]*storeEntry),
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndUpdate implementa domain.RecordStore.
func (s *MemoryStore) CheckAndUpdate(ctx context.Context, key domain.Key, p domain.Policy, now time.Time) (domain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	// registro expirado fisicamente conta como inexistente
	if ok && !now.Before(ent.expiresAt) {
		ok = false
	}
	var rec domain.Record
	if ok {
		rec = ent.rec
	}

	rec, out := domain.Apply(rec, ok, p, now)
	out.Key = key
	s.entries[key] = &storeEntry{rec: rec, expiresAt: expiry(rec, p)}
	return out, nil
}

// Snapshot devolve o registro atual da chave (para inspeção e testes).
func (s *MemoryStore) Snapshot(key domain.Key) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		return domain.Record{}, false
	}
	return ent.rec, true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que remove registros vencidos periodicamente.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Cleanup(now)
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}

// expiry é o instante a partir do qual o registro pode sumir sem mudar
// nenhuma decisão futura: fim do ban ou fim da janela, o que vier depois.
func expiry(rec domain.Record, p domain.Policy) time.Time {
	end := rec.WindowStart.Add(p.Window)
	if rec.BannedUntil.After(end) {
		end = rec.BannedUntil
	}
	return end
}
