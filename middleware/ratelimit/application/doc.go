// Package application contém os casos de uso de admissão: a avaliação composta
// do rate limit (várias chaves, cada uma com sua política) e o limite de
// concorrência de streams.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Evaluate(ctx, checks) retorna uma Decision (allow/deny + chave + retry-after).
package application
