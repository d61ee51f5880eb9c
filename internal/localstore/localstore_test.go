package localstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "local.bolt"), zerolog.Nop())
	if !s.Available() {
		t.Fatal("expected store to open")
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type prefs struct {
	Theme string   `json:"theme"`
	Tags  []string `json:"tags"`
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	s.Set("prefs", prefs{Theme: "dark", Tags: []string{"a"}})

	got := Get(s, "prefs", prefs{})
	if got.Theme != "dark" || len(got.Tags) != 1 {
		t.Errorf("unexpected value: %+v", got)
	}
}

func TestMissingKeyReturnsDefault(t *testing.T) {
	s := newTestStore(t)
	if got := Get(s, "nope", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestMalformedValueReturnsDefault(t *testing.T) {
	s := newTestStore(t)
	s.Set("n", "not a number")
	if got := Get(s, "n", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestUnavailableStoreIsSilent(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Parent path is a regular file, so the database cannot be created.
	s := Open(filepath.Join(blocker, "local.bolt"), zerolog.Nop())
	if s.Available() {
		t.Fatal("expected unavailable store")
	}
	s.Set("k", "v")
	s.Delete("k")
	if got := Get(s, "k", "def"); got != "def" {
		t.Errorf("expected default from unavailable store, got %q", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.bolt")
	s := Open(path, zerolog.Nop())
	s.Set("identity", "abc")
	s.Close()

	s2 := Open(path, zerolog.Nop())
	defer s2.Close()
	if got := Get(s2, "identity", ""); got != "abc" {
		t.Errorf("expected persisted value, got %q", got)
	}
}
