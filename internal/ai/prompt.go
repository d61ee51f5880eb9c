package ai

import (
	"slices"
	"strings"
)

// OriginalMarker separates a translated reply from its original wording.
const OriginalMarker = "___ORIGINAL___"

const defaultPersona = "You are a helpful AI assistant."

// HideLanguageTag keeps the main language out of the prompt.
const HideLanguageTag = "Hide my language"

type Profile struct {
	Name         string   `json:"name,omitempty"`
	Bio          string   `json:"bio,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	MainLanguage string   `json:"main_language,omitempty"`
}

type Safety struct {
	Mature             bool `json:"mature,omitempty"`
	FlirtingProtection bool `json:"flirting_protection,omitempty"`
	NoNegativity       bool `json:"no_negativity,omitempty"`
	SlowMode           bool `json:"slow_mode,omitempty"`
}

// SessionContext is the part of a session the prompt depends on.
type SessionContext struct {
	Instruction string
	Mode        string
	Story       string
	OffRecord   bool
	Safety      Safety
}

// BuildSystemPrompt renders the system instruction for one session.
func BuildSystemPrompt(s SessionContext, p Profile) string {
	var b strings.Builder
	if s.Instruction != "" {
		b.WriteString(s.Instruction)
	} else {
		b.WriteString(defaultPersona)
	}
	line := func(parts ...string) {
		b.WriteByte('\n')
		for _, part := range parts {
			b.WriteString(part)
		}
	}

	if p.Bio != "" {
		line("User Bio: ", p.Bio)
	}
	if p.Name != "" {
		line("User Name: ", p.Name)
	}
	if p.Tone != "" {
		line("User Mood: ", p.Tone)
	}
	if len(p.Tags) > 0 {
		line("User Interests: ", strings.Join(p.Tags, ", "))
	}
	if p.MainLanguage != "" && !slices.Contains(p.Tags, HideLanguageTag) {
		line("User Main Language: ", p.MainLanguage,
			". If you reply in another language, append the translation or original. Format: [Translated Text] ",
			OriginalMarker, " [Original Text]")
	}

	if s.Mode != "" {
		line("Mode: ", s.Mode)
	}
	if s.Story != "" {
		line("Context: ", s.Story)
	}
	if s.OffRecord {
		line("This chat is off-record.")
	}
	if s.Safety.Mature {
		line("Mature themes are allowed.")
	} else {
		line("Keep content Safe for Work (SFW).")
	}
	if s.Safety.FlirtingProtection {
		line("Do not flirt. Maintain boundaries.")
	}
	if s.Safety.NoNegativity {
		line("Keep the tone positive and uplifting.")
	}
	if s.Safety.SlowMode {
		line("(System: Slow mode active).")
	}
	return b.String()
}
