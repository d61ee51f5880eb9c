package ai

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
)

const fallbackLanguage = "en"

const detectPrompt = "Detect the language of this text. Return ONLY the 2-letter ISO code (e.g., 'en', 'es', 'fr'). Text: "

// Detector guesses the language of short texts with the model and caches the
// answers per text.
type Detector struct {
	llm llms.Model
	log zerolog.Logger

	mu    sync.Mutex
	cache map[string]string
}

func NewDetector(llm llms.Model, log zerolog.Logger) *Detector {
	return &Detector{llm: llm, log: log, cache: map[string]string{}}
}

// DetectLanguage returns a two-letter code. Texts under five characters and
// any model failure yield "en"; failures are not cached.
func (d *Detector) DetectLanguage(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" || utf8.RuneCountInString(text) < 5 {
		return fallbackLanguage
	}
	d.mu.Lock()
	if lang, ok := d.cache[text]; ok {
		d.mu.Unlock()
		return lang
	}
	d.mu.Unlock()

	if d.llm == nil {
		return fallbackLanguage
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, d.llm, detectPrompt+text)
	if err != nil {
		d.log.Warn().Err(err).Msg("language detection failed")
		return fallbackLanguage
	}
	lang := strings.ToLower(strings.TrimSpace(out))
	if r := []rune(lang); len(r) > 2 {
		lang = string(r[:2])
	}
	if lang == "" {
		return fallbackLanguage
	}

	d.mu.Lock()
	d.cache[text] = lang
	d.mu.Unlock()
	return lang
}
