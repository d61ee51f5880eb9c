// Package ai wraps the hosted language model: streamed replies, language
// detection, the system prompt and the history window.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

var ErrEmptyResponse = errors.New("ai: empty response")

// Speaker of a history turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

type Turn struct {
	Speaker Speaker
	Text    string
}

// Generator produces one reply. onChunk receives text as it streams; the
// return value is the whole reply.
type Generator interface {
	Stream(ctx context.Context, system string, history []Turn, user string, onChunk func(string)) (string, error)
}

// NewOpenAI builds an OpenAI-compatible model. Empty token and baseURL fall
// back to the client's environment defaults.
func NewOpenAI(model, token, baseURL string) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

// LLMGenerator streams replies from an llms.Model.
type LLMGenerator struct {
	llm    llms.Model
	window *Window
	log    zerolog.Logger
}

// NewGenerator returns a Generator over llm. A nil window sends the whole
// history.
func NewGenerator(llm llms.Model, window *Window, log zerolog.Logger) *LLMGenerator {
	return &LLMGenerator{llm: llm, window: window, log: log}
}

func (g *LLMGenerator) Stream(ctx context.Context, system string, history []Turn, user string, onChunk func(string)) (string, error) {
	if g.llm == nil {
		return "", errors.New("ai: no model configured")
	}
	turns := g.window.Trim(history)
	if dropped := len(history) - len(turns); dropped > 0 {
		g.log.Debug().Int("dropped", dropped).Msg("history trimmed")
	}

	msgs := make([]llms.MessageContent, 0, len(turns)+2)
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, system))
	for _, t := range turns {
		role := schema.ChatMessageTypeHuman
		if t.Speaker == SpeakerModel {
			role = schema.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, t.Text))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, user))

	var buf strings.Builder
	resp, err := g.llm.GenerateContent(ctx, msgs, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		buf.Write(chunk)
		if onChunk != nil {
			onChunk(string(chunk))
		}
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	text := buf.String()
	// models that ignore streaming only fill the choice
	if text == "" && resp != nil && len(resp.Choices) > 0 {
		text = resp.Choices[0].Content
		if text != "" && onChunk != nil {
			onChunk(text)
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
