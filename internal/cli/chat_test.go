package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
	"github.com/pelusa-v/pelusa-mesh/internal/session"
)

type echoGen struct{}

func (echoGen) Stream(ctx context.Context, system string, history []ai.Turn, user string, onChunk func(string)) (string, error) {
	reply := "echo: " + user
	onChunk(reply)
	return reply, nil
}

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	r := &repl{out: buf, printed: map[string]bool{}}
	r.orch = session.New(session.Options{
		Identity:  "me",
		Generator: echoGen{},
		OnChange:  r.onChange,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(r.orch.Close)
	return r, buf
}

func TestREPLConversation(t *testing.T) {
	ctx := context.Background()
	r, buf := newTestREPL(t)

	r.handle(ctx, "hello")
	if !strings.Contains(buf.String(), "no session selected") {
		t.Fatalf("output = %q", buf.String())
	}

	r.handle(ctx, "/ai scratch")
	if !strings.Contains(buf.String(), `"scratch"`) {
		t.Fatalf("output = %q", buf.String())
	}
	buf.Reset()
	r.handle(ctx, "hello there")
	if got := buf.String(); got != "ai> echo: hello there\n" {
		t.Fatalf("output = %q", got)
	}

	buf.Reset()
	r.handle(ctx, "/sessions")
	if !strings.HasPrefix(buf.String(), "* ") || !strings.Contains(buf.String(), "scratch") {
		t.Fatalf("sessions = %q", buf.String())
	}

	buf.Reset()
	r.handle(ctx, "/archive")
	if !strings.Contains(buf.String(), "archived=true") {
		t.Fatalf("output = %q", buf.String())
	}
	buf.Reset()
	r.handle(ctx, "/delete")
	if !strings.Contains(buf.String(), "no session selected") {
		t.Fatalf("archive should clear the selection: %q", buf.String())
	}
}

func TestREPLWithoutHub(t *testing.T) {
	ctx := context.Background()
	r, buf := newTestREPL(t)

	r.handle(ctx, "/mesh")
	r.handle(ctx, "/room lobby")
	r.handle(ctx, "/rooms")
	out := buf.String()
	for _, want := range []string{"mesh: session: backend not connected", "room: session: backend not connected", "hub unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestREPLCommands(t *testing.T) {
	ctx := context.Background()
	r, buf := newTestREPL(t)

	if r.handle(ctx, "   ") {
		t.Fatal("blank line quit")
	}
	r.handle(ctx, "/nope")
	r.handle(ctx, "/agent")
	r.handle(ctx, "/use missing")
	out := buf.String()
	for _, want := range []string{"unknown command /nope", "usage: /agent", "use: session: unknown session"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}

	r.handle(ctx, "/agent Nemo You are Captain Nemo.")
	if s, ok := r.orch.Session(r.orch.Active()); !ok || s.Title != "Nemo" || s.Config.Instruction != "You are Captain Nemo." {
		t.Fatalf("agent session = %+v", s)
	}
	if !r.handle(ctx, "/quit") {
		t.Fatal("/quit did not quit")
	}
}

func TestREPLRunStopsAtEOF(t *testing.T) {
	r, buf := newTestREPL(t)
	if err := r.run(context.Background(), strings.NewReader("/ai\nping\n")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "ai> echo: ping") {
		t.Fatalf("output = %q", buf.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func meshOpen(r *repl) func() bool {
	return func() bool {
		m, ok := r.orch.Mesh(r.orch.Active())
		return ok && m.OpenCount() == 1
	}
}

func TestLoopbackMeshEcho(t *testing.T) {
	ctx := context.Background()
	lb, err := startLoopback(ctx, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lb.Close)

	buf := &syncBuffer{}
	r := &repl{out: buf, store: lb.Store("me"), printed: map[string]bool{}}
	r.orch = session.New(session.Options{
		Identity:  "me",
		Store:     lb.Store("me"),
		Transport: lb.net,
		OnChange:  r.onChange,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(r.orch.Close)

	r.handle(ctx, "/mesh")
	eventually(t, "mesh open", meshOpen(r))
	first := lb.Peer()

	r.handle(ctx, "hi")
	eventually(t, "echo", func() bool { return strings.Contains(buf.String(), "echo> echo: hi") })

	r.handle(ctx, "/sessions")
	if !strings.Contains(buf.String(), "peers: echo") {
		t.Fatalf("sessions = %q", buf.String())
	}

	r.handle(ctx, "/delete")
	eventually(t, "echo peer hosting again", func() bool {
		p := lb.Peer()
		return p != nil && p != first && p.RoomID() != ""
	})
	r.handle(ctx, "/mesh")
	eventually(t, "second mesh open", meshOpen(r))
	r.handle(ctx, "again")
	eventually(t, "second echo", func() bool { return strings.Contains(buf.String(), "echo> echo: again") })
}
