// Package upstream abstrai o provedor de geração de texto.
//
// Um Client abre uma Sequence: fragmentos de texto em ordem, produzidos sob
// demanda e consumidos uma única vez. Nenhum retry acontece aqui; quem chama
// decide o que fazer com o erro.
package upstream

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"
)

// Sequence é a sequência de fragmentos de uma resposta. Termina no primeiro
// erro. Parar a iteração (yield devolvendo false) libera o upstream.
type Sequence = iter.Seq2[string, error]

// Client é o contrato com o provedor.
type Client interface {
	// Open prepara a sequência; a chamada ao provedor só começa na iteração.
	Open(ctx context.Context, c ChatContext) (Sequence, error)
	// Complete devolve a resposta inteira, para quem não faz streaming.
	Complete(ctx context.Context, c ChatContext) (string, error)
}

// QA é o par pergunta/resposta anterior da conversa.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ChatContext é a entrada de uma requisição de chat. Imutável durante a requisição.
type ChatContext struct {
	Section      string `json:"section"`
	QuestionType string `json:"questionType"`
	Instruction  string `json:"instruction"`
	Passage      string `json:"passage"`
	UserResponse string `json:"userResponse"`
	PreviousQA   *QA    `json:"previousQA,omitempty"`
	UserQuery    string `json:"userQuery"`
}

// Limites de tamanho por campo, em runes.
const (
	MaxQueryRunes   = 2000
	MaxPassageRunes = 20000
	MaxFieldRunes   = 4000
)

// ValidationError aponta o campo inválido do ChatContext.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type fieldLimit struct {
	name  string
	value string
	max   int
}

// Validate exige userQuery e limita o tamanho dos campos.
func (c ChatContext) Validate() error {
	if strings.TrimSpace(c.UserQuery) == "" {
		return &ValidationError{Field: "userQuery", Message: "is required"}
	}
	fields := []fieldLimit{
		{"userQuery", c.UserQuery, MaxQueryRunes},
		{"passage", c.Passage, MaxPassageRunes},
		{"section", c.Section, MaxFieldRunes},
		{"questionType", c.QuestionType, MaxFieldRunes},
		{"instruction", c.Instruction, MaxFieldRunes},
		{"userResponse", c.UserResponse, MaxFieldRunes},
	}
	if c.PreviousQA != nil {
		fields = append(fields,
			fieldLimit{"previousQA.question", c.PreviousQA.Question, MaxFieldRunes},
			fieldLimit{"previousQA.answer", c.PreviousQA.Answer, MaxPassageRunes},
		)
	}
	for _, f := range fields {
		if utf8.RuneCountInString(f.value) > f.max {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("exceeds %d characters", f.max)}
		}
	}
	return nil
}
