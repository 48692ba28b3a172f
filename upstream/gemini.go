package upstream

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiConfig configura o adapter do Gemini.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	// Timeout vale para a requisição inteira, inclusive o stream.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// generator é o subconjunto de *genai.Models que o adapter usa.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Gemini implementa Client sobre o SDK oficial google.golang.org/genai.
type Gemini struct {
	models generator
	cfg    GeminiConfig
}

var _ Client = (*Gemini)(nil)

// NewGemini cria o client do SDK. Nenhuma chamada de rede acontece aqui.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(models generator, cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Gemini{models: models, cfg: cfg}
}

func (g *Gemini) request(c ChatContext) ([]*genai.Content, *genai.GenerateContentConfig) {
	p := BuildPrompt(c)
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: p.User}},
	}}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: p.System}}},
	}
	if g.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(g.cfg.Temperature))
	}
	if g.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(g.cfg.MaxOutputTokens)
	}
	return contents, config
}

// Open devolve a sequência de fragmentos. O stream só é aberto quando a
// iteração começa, e é fechado assim que ela para.
func (g *Gemini) Open(ctx context.Context, c ChatContext) (Sequence, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	contents, config := g.request(c)

	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		started := time.Now()
		chunks := 0
		for resp, err := range g.models.GenerateContentStream(ctx, g.cfg.Model, contents, config) {
			if err != nil {
				yield("", Classify(err))
				return
			}
			text, err := responseText(resp)
			if err != nil {
				yield("", err)
				return
			}
			if text == "" {
				continue
			}
			chunks++
			if !yield(text, nil) {
				g.cfg.Logger.Debug().Int("chunks", chunks).Msg("gemini stream stopped by consumer")
				return
			}
		}
		g.cfg.Logger.Debug().Int("chunks", chunks).Dur("took", time.Since(started)).Msg("gemini stream finished")
	}, nil
}

// Complete faz a chamada sem streaming.
func (g *Gemini) Complete(ctx context.Context, c ChatContext) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	contents, config := g.request(c)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.models.GenerateContent(ctx, g.cfg.Model, contents, config)
	if err != nil {
		return "", Classify(err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", protocolError("empty completion")
	}
	return text, nil
}

// responseText junta as partes de texto do primeiro candidato, ignorando
// partes de raciocínio. Prompt bloqueado é erro de protocolo.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", protocolError("nil response chunk")
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", protocolError("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String(), nil
}
