package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeLLM struct {
	mu     sync.Mutex
	chunks []string
	reply  string // returned without streaming when chunks is empty
	err    error
	calls  [][]llms.MessageContent
}

func (f *fakeLLM) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if opts.StreamingFunc == nil {
			break
		}
		if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
			return nil, err
		}
	}
	content := f.reply
	if len(f.chunks) > 0 {
		content = strings.Join(f.chunks, "")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func text(m llms.MessageContent) string {
	if len(m.Parts) == 0 {
		return ""
	}
	if t, ok := m.Parts[0].(llms.TextContent); ok {
		return t.Text
	}
	return ""
}

func TestStreamDeliversChunks(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"Hel", "lo", "!"}}
	g := NewGenerator(llm, nil, zerolog.Nop())

	var got []string
	full, err := g.Stream(context.Background(), "sys", []Turn{
		{Speaker: SpeakerUser, Text: "hi"},
		{Speaker: SpeakerModel, Text: "hey"},
	}, "how are you", func(c string) { got = append(got, c) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "Hello!" {
		t.Fatalf("full = %q", full)
	}
	if strings.Join(got, "|") != "Hel|lo|!" {
		t.Fatalf("chunks = %v", got)
	}

	msgs := llm.calls[0]
	wantRoles := []schema.ChatMessageType{
		schema.ChatMessageTypeSystem,
		schema.ChatMessageTypeHuman,
		schema.ChatMessageTypeAI,
		schema.ChatMessageTypeHuman,
	}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("sent %d messages", len(msgs))
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, r)
		}
	}
	if text(msgs[0]) != "sys" || text(msgs[3]) != "how are you" {
		t.Errorf("unexpected texts %q %q", text(msgs[0]), text(msgs[3]))
	}
}

func TestStreamWithoutStreamingSupport(t *testing.T) {
	g := NewGenerator(&fakeLLM{reply: "whole"}, nil, zerolog.Nop())
	var got string
	full, err := g.Stream(context.Background(), "", nil, "x", func(c string) { got += c })
	if err != nil || full != "whole" || got != "whole" {
		t.Fatalf("full=%q got=%q err=%v", full, got, err)
	}
}

func TestStreamErrors(t *testing.T) {
	boom := errors.New("quota")
	g := NewGenerator(&fakeLLM{err: boom}, nil, zerolog.Nop())
	if _, err := g.Stream(context.Background(), "", nil, "x", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped quota", err)
	}

	g = NewGenerator(&fakeLLM{chunks: []string{"  "}}, nil, zerolog.Nop())
	if _, err := g.Stream(context.Background(), "", nil, "x", nil); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}

	g = NewGenerator(nil, nil, zerolog.Nop())
	if _, err := g.Stream(context.Background(), "", nil, "x", nil); err == nil {
		t.Fatal("expected error without a model")
	}
}

func TestStreamTrimsHistory(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"ok"}}
	// 8 chars per turn is 2 tokens with the estimate
	g := NewGenerator(llm, NewWindow(4, ""), zerolog.Nop())
	history := []Turn{
		{Speaker: SpeakerUser, Text: "oldest.."},
		{Speaker: SpeakerModel, Text: "middle.."},
		{Speaker: SpeakerUser, Text: "newest.."},
	}
	if _, err := g.Stream(context.Background(), "s", history, "now", nil); err != nil {
		t.Fatal(err)
	}
	msgs := llm.calls[0]
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want system + 2 turns + user", len(msgs))
	}
	if text(msgs[1]) != "middle.." || text(msgs[2]) != "newest.." {
		t.Fatalf("kept %q %q", text(msgs[1]), text(msgs[2]))
	}
}

func TestWindowTrim(t *testing.T) {
	w := NewWindow(3, "")
	if w.Count("abcd") != 1 || w.Count("abcde") != 2 || w.Count("") != 0 {
		t.Fatal("estimate counts off")
	}

	long := []Turn{{Text: strings.Repeat("x", 400)}}
	if got := w.Trim(long); len(got) != 1 {
		t.Fatal("newest turn must survive even over budget")
	}

	var nilWindow *Window
	h := []Turn{{Text: "a"}, {Text: "b"}}
	if got := nilWindow.Trim(h); len(got) != 2 {
		t.Fatal("nil window should keep everything")
	}
	if got := NewWindow(0, "").Trim(h); len(got) != 2 {
		t.Fatal("zero budget should keep everything")
	}
}

func TestDetectLanguage(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{reply: " ES\n"}
	d := NewDetector(llm, zerolog.Nop())

	if got := d.DetectLanguage(ctx, "hola"); got != "en" {
		t.Fatalf("short text = %q", got)
	}
	if got := d.DetectLanguage(ctx, "   "); got != "en" {
		t.Fatalf("blank text = %q", got)
	}
	if llm.callCount() != 0 {
		t.Fatal("short texts must not reach the model")
	}

	if got := d.DetectLanguage(ctx, "hola amigos"); got != "es" {
		t.Fatalf("got %q, want es", got)
	}
	d.DetectLanguage(ctx, "hola amigos")
	if llm.callCount() != 1 {
		t.Fatalf("calls = %d, want cached second lookup", llm.callCount())
	}

	llm.reply = "french"
	if got := d.DetectLanguage(ctx, "bonjour tout le monde"); got != "fr" {
		t.Fatalf("got %q, want truncated fr", got)
	}
}

func TestDetectLanguageFailure(t *testing.T) {
	llm := &fakeLLM{err: errors.New("offline")}
	d := NewDetector(llm, zerolog.Nop())
	ctx := context.Background()
	if got := d.DetectLanguage(ctx, "guten morgen"); got != "en" {
		t.Fatalf("got %q", got)
	}
	d.DetectLanguage(ctx, "guten morgen")
	if llm.callCount() != 2 {
		t.Fatal("failures must not be cached")
	}
	if got := NewDetector(nil, zerolog.Nop()).DetectLanguage(ctx, "guten morgen"); got != "en" {
		t.Fatalf("nil model = %q", got)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(SessionContext{Mode: "1:1", OffRecord: true}, Profile{
		Name:         "Ana",
		Tags:         []string{"music", "travel"},
		MainLanguage: "Spanish",
	})
	lines := strings.Split(p, "\n")
	if lines[0] != defaultPersona {
		t.Fatalf("first line = %q", lines[0])
	}
	for _, want := range []string{
		"User Name: Ana",
		"User Interests: music, travel",
		"User Main Language: Spanish.",
		OriginalMarker,
		"Mode: 1:1",
		"This chat is off-record.",
		"Keep content Safe for Work (SFW).",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "Slow mode") {
		t.Error("slow mode line without the flag")
	}

	p = BuildSystemPrompt(SessionContext{
		Instruction: "You are Captain Nemo.",
		Safety:      Safety{Mature: true, NoNegativity: true, SlowMode: true},
	}, Profile{MainLanguage: "German", Tags: []string{HideLanguageTag}})
	if !strings.HasPrefix(p, "You are Captain Nemo.") {
		t.Fatalf("instruction not first: %q", p)
	}
	if strings.Contains(p, OriginalMarker) {
		t.Error("hidden language still in prompt")
	}
	if strings.Contains(p, "SFW") || !strings.Contains(p, "uplifting") || !strings.Contains(p, "Slow mode") {
		t.Errorf("safety lines wrong: %q", p)
	}
}
