package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/genai"
)

var (
	// ErrUnavailable: falha de rede/transporte ou provedor fora do ar.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrTimeout: o provedor não respondeu dentro do prazo.
	ErrTimeout = errors.New("upstream timeout")
	// ErrProtocol: resposta malformada ou inesperada.
	ErrProtocol = errors.New("upstream protocol error")
)

// Error carrega o tipo da falha (Kind) e a causa original.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

func protocolError(format string, args ...any) error {
	return &Error{Kind: ErrProtocol, Err: fmt.Errorf(format, args...)}
}

// Classify encaixa err em uma das três categorias.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	if apiErr, ok := asAPIError(err); ok {
		switch {
		case apiErr.Code == 408 || apiErr.Code == 504:
			return &Error{Kind: ErrTimeout, Err: err}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &Error{Kind: ErrUnavailable, Err: err}
		default:
			return &Error{Kind: ErrProtocol, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrUnavailable, Err: err}
}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}
