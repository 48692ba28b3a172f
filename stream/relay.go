// Package stream repassa uma upstream.Sequence para o cliente HTTP, fragmento
// a fragmento, com flush a cada escrita.
package stream

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// State é o estado do relay de uma requisição.
type State int

const (
	// Idle: nada foi escrito ainda.
	Idle State = iota
	Streaming
	Completed
	// Errored: o upstream falhou no meio; o aviso foi anexado ao corpo.
	Errored
	// Cancelled: o cliente foi embora ou a escrita falhou.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// DefaultErrorNotice é anexado ao corpo quando o upstream falha depois do
// primeiro fragmento.
const DefaultErrorNotice = "\n\n[The response was interrupted. Please try again.]"

// ErrClientGone indica que o cliente desconectou antes do fim.
var ErrClientGone = errors.New("stream: client gone")

// Relay escreve a sequência no ResponseWriter.
type Relay struct {
	ErrorNotice string
	// WriteTimeout é o prazo de cada escrita+flush; 0 desliga.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *Metrics
}

// Relay consome seq e escreve cada fragmento na ordem recebida.
//
// Erro antes do primeiro fragmento devolve (Idle, err) sem escrever nada: quem
// chama ainda pode responder com um status de erro. Depois do primeiro
// fragmento o status 200 já foi enviado, então a falha vira um aviso no corpo.
func (rl *Relay) Relay(ctx context.Context, w http.ResponseWriter, seq iter.Seq2[string, error]) (State, error) {
	next, stop := iter.Pull2(seq)
	defer stop()

	notice := rl.ErrorNotice
	if notice == "" {
		notice = DefaultErrorNotice
	}

	rc := http.NewResponseController(w)
	state := Idle
	fragments := 0

	finish := func(s State, err error) (State, error) {
		stop()
		rl.Metrics.observe(s, err, fragments)
		ev := rl.Logger.Debug()
		if s == Errored {
			ev = rl.Logger.Warn()
		}
		ev.Str("state", outcomeLabel(s, err)).Int("fragments", fragments).Err(err).Msg("relay finished")
		return s, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(Cancelled, ErrClientGone)
		}

		frag, err, ok := next()
		if !ok {
			if state == Idle {
				// sequência vazia: ainda é uma resposta 200 sem corpo
				commit(w)
			}
			return finish(Completed, nil)
		}
		if err != nil {
			// erro causado pelo cancelamento do cliente: não há mais para quem escrever
			if ctx.Err() != nil {
				return finish(Cancelled, ErrClientGone)
			}
			if state == Idle {
				return finish(Idle, err)
			}
			if werr := rl.write(rc, w, notice); werr != nil {
				return finish(Cancelled, werr)
			}
			return finish(Errored, err)
		}
		if ctx.Err() != nil {
			return finish(Cancelled, ErrClientGone)
		}

		if state == Idle {
			commit(w)
			state = Streaming
		}
		if err := rl.write(rc, w, frag); err != nil {
			return finish(Cancelled, err)
		}
		fragments++
	}
}

func commit(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
}

func (rl *Relay) write(rc *http.ResponseController, w http.ResponseWriter, s string) error {
	if rl.WriteTimeout > 0 {
		_ = rc.SetWriteDeadline(time.Now().Add(rl.WriteTimeout))
		defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Metrics conta os relays por estado final e os fragmentos enviados.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	fragments prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "stream_relays_total",
			Help:      "Stream relays by final state (failed_before_start: upstream error before any byte was sent).",
		}, []string{"state"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "stream_fragments_total",
			Help:      "Fragments written to clients.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.outcomes, m.fragments} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// label do estado final; Idle com erro é falha do upstream antes do commit.
func outcomeLabel(s State, err error) string {
	if s == Idle && err != nil {
		return "failed_before_start"
	}
	return s.String()
}

func (m *Metrics) observe(s State, err error, fragments int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcomeLabel(s, err)).Inc()
	m.fragments.Add(float64(fragments))
}
