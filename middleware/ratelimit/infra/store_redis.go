package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// checkAndUpdateScript replica domain.Apply dentro do Redis, o que torna a
// leitura+escrita de uma chave atômica entre instâncias.
//
// KEYS[1] = hash do registro
// ARGV    = now_ms, window_ms, max, ban_ms, ttl_ms
// retorno = {status, count, window_start_ms, banned_until_ms}
// status  = 0 passou, 1 banned, 2 rate_exceeded
var checkAndUpdateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local ban = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local vals = redis.call('HMGET', key, 'count', 'window_start', 'banned_until')
local exists = vals[1] ~= false
local count = tonumber(vals[1]) or 0
local start = tonumber(vals[2]) or 0
local banned = tonumber(vals[3]) or 0

if exists and banned > now then
  return {1, count, start, banned}
end

local status = 0
if (not exists) or banned > 0 or (now - start) >= window then
  count = 1
  start = now
  banned = 0
else
  count = count + 1
  if count > max then
    status = 2
    if ban > 0 then
      banned = now + ban
    end
  end
end

redis.call('HSET', key, 'count', count, 'window_start', start, 'banned_until', banned)
if ttl > 0 then
  redis.call('PEXPIRE', key, ttl)
end
return {status, count, start, banned}
`)

// RedisStore é o RecordStore compartilhado entre instâncias.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
}

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.Scripter, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "ratelimit:record",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key domain.Key) string {
	return s.prefix + ":" + string(key)
}

// CheckAndUpdate implementa domain.RecordStore.
func (s *RedisStore) CheckAndUpdate(ctx context.Context, key domain.Key, p domain.Policy, now time.Time) (domain.Outcome, error) {
	if s == nil || s.rdb == nil {
		return domain.Outcome{}, domain.ErrStoreUnavailable
	}

	// o TTL físico conta a partir de agora; com ban ativo o hash não é regravado
	ttl := p.TTL()
	res, err := checkAndUpdateScript.Run(ctx, s.rdb, []string{s.redisKey(key)},
		now.UnixMilli(),
		p.Window.Milliseconds(),
		p.MaxRequests,
		p.BanDuration.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if len(res) != 4 {
		return domain.Outcome{}, fmt.Errorf("%w: unexpected script reply %v", domain.ErrStoreUnavailable, res)
	}

	rec := domain.Record{
		Count:       res[1],
		WindowStart: time.UnixMilli(res[2]).UTC(),
	}
	if res[3] > 0 {
		rec.BannedUntil = time.UnixMilli(res[3]).UTC()
	}

	out := domain.Outcome{Key: key, Record: rec}
	switch res[0] {
	case 0:
		out.Passed = true
	case 1:
		out.Reason = domain.ReasonBanned
		out.RetryAfter = rec.BannedUntil.Sub(now)
	default:
		out.Reason = domain.ReasonRateExceeded
		if p.BanDuration > 0 {
			out.RetryAfter = p.BanDuration
		} else {
			out.RetryAfter = rec.WindowStart.Add(p.Window).Sub(now)
		}
	}
	return out, nil
}
