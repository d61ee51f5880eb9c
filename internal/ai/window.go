package ai

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Window keeps the newest history turns that fit a token budget.
type Window struct {
	budget int
	enc    *tiktoken.Tiktoken
}

// NewWindow counts tokens with the named tiktoken encoding, e.g.
// "cl100k_base". An empty or unavailable encoding falls back to roughly four
// characters per token. A budget <= 0 keeps everything.
func NewWindow(budget int, encoding string) *Window {
	w := &Window{budget: budget}
	if encoding != "" {
		if enc, err := tiktoken.GetEncoding(encoding); err == nil {
			w.enc = enc
		}
	}
	return w
}

// Count returns the token count of text.
func (w *Window) Count(text string) int {
	if w == nil || w.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(w.enc.Encode(text, nil, nil))
}

// Trim drops the oldest turns until the rest fit the budget. The newest turn
// is kept even when it alone exceeds it.
func (w *Window) Trim(history []Turn) []Turn {
	if w == nil || w.budget <= 0 || len(history) == 0 {
		return history
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += w.Count(history[i].Text)
		if total > w.budget && i < len(history)-1 {
			break
		}
		start = i
	}
	return history[start:]
}
