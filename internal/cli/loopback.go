package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/logger"
	"github.com/pelusa-v/pelusa-mesh/internal/mesh"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

const echoIdentity = "echo"

// loopback is an in-process hub and mesh network with one peer that echoes
// every message back. It lets mesh and room sessions run offline.
type loopback struct {
	store *rendezvous.MemoryStore
	net   *mesh.MemoryNetwork
	log   zerolog.Logger

	mu     sync.Mutex
	peer   *mesh.Manager
	closed bool
}

func startLoopback(ctx context.Context, log zerolog.Logger) (*loopback, error) {
	store, err := rendezvous.NewMemoryStore(rendezvous.MemoryOptions{
		Rules: rendezvous.DefaultRules,
		Log:   logger.Component(log, "store"),
	})
	if err != nil {
		return nil, err
	}
	lb := &loopback{store: store, net: mesh.NewMemoryNetwork(), log: logger.Component(log, "echo")}
	if err := lb.host(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("echo peer: %w", err)
	}
	return lb, nil
}

// Store returns the hub as seen by identity.
func (lb *loopback) Store(identity string) rendezvous.Store {
	return lb.store.As(identity)
}

// host puts the echo peer in a mesh room. Once its guest is gone it finds
// a new one.
func (lb *loopback) host(ctx context.Context) error {
	store := lb.store.As(echoIdentity)
	roomID, _, err := mesh.FindMatch(ctx, store, echoIdentity)
	if err != nil {
		return err
	}
	var m *mesh.Manager
	m = mesh.NewManager(mesh.Options{
		Store:     store,
		Identity:  echoIdentity,
		Transport: lb.net,
		OnMessage: func(from, text string) {
			m.Send("echo: " + text)
		},
		OnStateChange: func(peer string, s mesh.State) {
			if s == mesh.Closed {
				go lb.rehost(ctx, m)
			}
		},
		Log: lb.log,
	})

	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return nil
	}
	lb.peer = m
	lb.mu.Unlock()
	return m.JoinRoom(ctx, roomID)
}

func (lb *loopback) rehost(ctx context.Context, old *mesh.Manager) {
	lb.mu.Lock()
	if lb.closed || lb.peer != old {
		lb.mu.Unlock()
		return
	}
	lb.peer = nil
	lb.mu.Unlock()

	old.Disconnect()
	if ctx.Err() != nil {
		return
	}
	if err := lb.host(ctx); err != nil {
		lb.log.Warn().Err(err).Msg("echo peer not rehosted")
	}
}

// Peer returns the echo peer's current manager, or nil.
func (lb *loopback) Peer() *mesh.Manager {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.peer
}

func (lb *loopback) Close() {
	lb.mu.Lock()
	lb.closed = true
	peer := lb.peer
	lb.peer = nil
	lb.mu.Unlock()
	if peer != nil {
		peer.Disconnect()
	}
	lb.store.Close()
}
