// Package infra implementa os stores e pools declarados em domain.
//
//   - MemoryStore: registros por chave em memória, com janitor
//   - RedisStore: registros em hash do Redis, atualizados por script Lua
//   - MemoryStatsStore / RedisStatsStore / PrometheusStats: estatísticas de admissão
//   - SlotPool: vagas de stream concorrente sobre um canal com buffer
package infra
