// formatação de valores numéricos em headers (limites e Retry-After).

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// RetryAfterSeconds arredonda para cima: Retry-After "0" faria o cliente
// voltar imediatamente para mais um 429.
func RetryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		return "1"
	}
	secs := int((d + time.Second - 1) / time.Second)
	return formatInt(secs)
}
