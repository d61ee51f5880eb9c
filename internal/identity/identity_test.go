package identity

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/localstore"
)

func TestIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.bolt")
	local := localstore.Open(path, zerolog.Nop())

	p := NewProvider(local)
	first := p.GetOrCreate()
	if first == "" {
		t.Fatal("expected identity")
	}
	if again := p.GetOrCreate(); again != first {
		t.Errorf("identity changed within process: %q != %q", again, first)
	}
	local.Close()

	reopened := localstore.Open(path, zerolog.Nop())
	defer reopened.Close()
	if got := NewProvider(reopened).GetOrCreate(); got != first {
		t.Errorf("identity not persisted: %q != %q", got, first)
	}
}

func TestIdentityWithoutPersistence(t *testing.T) {
	var local *localstore.Store
	a := NewProvider(local).GetOrCreate()
	b := NewProvider(local).GetOrCreate()
	if a == "" || b == "" {
		t.Fatal("expected identities even without storage")
	}
	if a == b {
		t.Error("expected a fresh identity per provider when nothing persists")
	}
}
