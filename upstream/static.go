package upstream

import (
	"context"
	"strings"
	"time"
)

// Static é um Client local e determinístico: devolve um texto fixo quebrado em
// fragmentos, com atraso opcional entre eles. Serve para rodar o gateway sem
// credenciais do provedor.
type Static struct {
	Reply func(ChatContext) string
	// Delay entre fragmentos; o atraso respeita o ctx.
	Delay time.Duration
}

var _ Client = Static{}

func (s Static) reply(c ChatContext) string {
	if s.Reply != nil {
		return s.Reply(c)
	}
	return "You asked: " + strings.TrimSpace(c.UserQuery) + "\nThis gateway is running with the static provider, so no model was called."
}

// Fragments quebra o texto em palavras, preservando os espaços, de forma que
// a concatenação dos fragmentos é o texto original.
func Fragments(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexAny(text, " \n")
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}

func (s Static) Open(ctx context.Context, c ChatContext) (Sequence, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	frags := Fragments(s.reply(c))
	return func(yield func(string, error) bool) {
		for i, f := range frags {
			if i > 0 && s.Delay > 0 {
				t := time.NewTimer(s.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield("", Classify(ctx.Err()))
					return
				case <-t.C:
				}
			}
			if !yield(f, nil) {
				return
			}
		}
	}, nil
}

func (s Static) Complete(ctx context.Context, c ChatContext) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	return s.reply(c), nil
}
