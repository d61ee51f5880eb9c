// Package identity issues the anonymous per-device identity that tags every
// signaling and chat record. Identities are self-asserted.
package identity

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-mesh/internal/localstore"
)

const storageKey = "identity"

// Provider returns the same identity for the lifetime of the local store.
type Provider struct {
	mu    sync.Mutex
	local *localstore.Store
	id    string
}

// NewProvider creates a provider backed by local persistence.
func NewProvider(local *localstore.Store) *Provider {
	return &Provider{local: local}
}

// GetOrCreate returns the persisted identity, generating one on first use.
// If persistence is unavailable the identity only lasts for this process.
func (p *Provider) GetOrCreate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id
	}
	if id := localstore.Get(p.local, storageKey, ""); id != "" {
		p.id = id
		return id
	}
	p.id = uuid.NewString()
	p.local.Set(storageKey, p.id)
	return p.id
}
