package infra

import (
	"context"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega decisões de admissão em hashes do Redis:
//
//	<prefix>:total                      allowed | denied:<motivo>
//	<prefix>:endpoint                   <endpoint>:allowed | <endpoint>:denied:<motivo>
//	<prefix>:class                      <classe>:allowed | <classe>:denied:<motivo>
//	<prefix>:minute:<yyyymmddhhmm>      por endpoint, expira com o ttl
//	<prefix>:key:<chave>                só com WithStatsTrackKeys, expira com o ttl
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix    string
	ttl       time.Duration
	bucket    string // "minute" (padrão) ou "none"
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// outcomeField devolve "allowed" ou "denied:<motivo>".
func outcomeField(ev domain.StatsEvent) string {
	if ev.Allowed {
		return "allowed"
	}
	if ev.Reason == domain.ReasonNone {
		return "denied"
	}
	return "denied:" + string(ev.Reason)
}

type statsIncr struct {
	key     string
	field   string
	expires bool
}

func (s *RedisStatsStore) incrs(ev domain.StatsEvent) []statsIncr {
	outcome := outcomeField(ev)
	endpoint := strings.TrimSpace(ev.Endpoint)

	out := []statsIncr{{key: s.prefix + ":total", field: outcome}}
	if endpoint != "" {
		out = append(out, statsIncr{key: s.prefix + ":endpoint", field: endpoint + ":" + outcome})
	}
	if ev.Class != "" {
		out = append(out, statsIncr{key: s.prefix + ":class", field: string(ev.Class) + ":" + outcome})
	}
	if s.bucket == "minute" {
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		f := outcome
		if endpoint != "" {
			f = endpoint + ":" + outcome
		}
		out = append(out, statsIncr{key: s.prefix + ":minute:" + at.UTC().Format("200601021504"), field: f, expires: true})
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		out = append(out, statsIncr{key: s.prefix + ":key:" + k, field: outcome, expires: true})
	}
	return out
}

// Record grava o evento numa única ida ao Redis.
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, in := range s.incrs(ev) {
			pipe.HIncrBy(ctx, in.key, in.field, 1)
			if in.expires && s.ttl > 0 {
				pipe.Expire(ctx, in.key, s.ttl)
			}
		}
		return nil
	})
	return err
}
