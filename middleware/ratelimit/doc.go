// Package ratelimit fornece adapters HTTP (net/http) para o rate limit composto
// e para o limite de streams concorrentes.
//
// Visão geral (camadas):
//
//   - domain: chaves, políticas, registros e a transição de estado (sem net/http)
//   - application: avaliação composta e acquire/timeout (sem net/http)
//   - infra: stores (memória, Redis), estatísticas e semáforo
//   - ratelimit (este pacote): middlewares HTTP + extração de IP + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Monta as chaves da requisição (IP, identidade, global)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, responde 429 (rate limit), 503 (store fora ou sem vaga)
//  4. Se permitido, chama o próximo handler (ex: relay do stream)
package ratelimit
