// Package room bridges a shared chat-room feed in the rendezvous store to a
// local message list, and keeps presence records for the local identity.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

var (
	// ErrPermission wraps a store rejection for authorization reasons. The
	// store's message is kept so it can be shown as is.
	ErrPermission = errors.New("room: permission denied")
	// ErrNotConnected means the store was never initialized or went away.
	ErrNotConnected = errors.New("room: not connected")
)

type Role string

const (
	RoleLocal  Role = "local-user"
	RoleRemote Role = "remote"
)

// Metadata is the optional tag carried by a feed entry.
type Metadata struct {
	SourceLanguage string `json:"sourceLanguage,omitempty"`
}

// Message is one feed entry seen from the local identity.
type Message struct {
	ID        string
	SenderID  string
	Role      Role
	Content   string
	Metadata  *Metadata
	CreatedAt time.Time
	// Unstamped is set while the store has not assigned createdAt yet;
	// CreatedAt then holds the local clock.
	Unstamped bool
}

// Outgoing is a local send. An empty ID gets a fresh one.
type Outgoing struct {
	ID       string
	RoomID   string
	Text     string
	Metadata *Metadata
}

type Options struct {
	Window int // most recent entries kept by a feed subscription
	Now    func() time.Time
	Log    zerolog.Logger
}

// Synchronizer owns the feed and presence subscriptions of one identity.
type Synchronizer struct {
	store  rendezvous.Store
	me     string
	window int
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.Mutex
	feeds    map[string]func() // room id -> cancel
	presence map[string]func()
}

// New returns a synchronizer writing as identity. store may be nil, in which
// case every operation fails with ErrNotConnected.
func New(store rendezvous.Store, identity string, opts Options) *Synchronizer {
	if opts.Window <= 0 {
		opts.Window = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synchronizer{
		store:    store,
		me:       identity,
		window:   opts.Window,
		now:      opts.Now,
		log:      opts.Log,
		feeds:    map[string]func(){},
		presence: map[string]func(){},
	}
}

// Identity is the sender tag used on local sends.
func (s *Synchronizer) Identity() string {
	return s.me
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case rendezvous.IsPermission(err):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case rendezvous.IsUnavailable(err):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

func (s *Synchronizer) ready() error {
	if s.store == nil {
		return ErrNotConnected
	}
	return nil
}

// Subscribe opens the room's feed and calls onSnapshot with the full
// translated list on every change. A previous subscription to the same room
// is replaced.
func (s *Synchronizer) Subscribe(ctx context.Context, roomID string, onSnapshot func([]Message)) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := NormalizeID(roomID)
	if id == "" {
		return fmt.Errorf("%w: empty room id", rendezvous.ErrInvalidPath)
	}
	q := rendezvous.Query{
		Collection:  messagesPath(id),
		OrderBy:     "createdAt",
		Limit:       s.window,
		LimitToLast: true,
	}
	cancel, err := s.store.Subscribe(ctx, q, func(snap rendezvous.Snapshot) {
		onSnapshot(s.translate(snap.Docs))
	})
	if err != nil {
		return classify(err)
	}
	s.mu.Lock()
	prev := s.feeds[id]
	s.feeds[id] = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// Unsubscribe cancels the feed subscription for roomID, if any.
func (s *Synchronizer) Unsubscribe(roomID string) {
	id := NormalizeID(roomID)
	s.mu.Lock()
	cancel := s.feeds[id]
	delete(s.feeds, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send appends an entry tagged with the local identity and a server-assigned
// creation time. Store rejections come back as ErrPermission or
// ErrNotConnected.
func (s *Synchronizer) Send(ctx context.Context, out Outgoing) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	roomID := NormalizeID(out.RoomID)
	if roomID == "" {
		return "", fmt.Errorf("%w: empty room id", rendezvous.ErrInvalidPath)
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	fields := map[string]any{
		"senderId":  s.me,
		"text":      out.Text,
		"createdAt": rendezvous.ServerTimestamp,
	}
	if out.Metadata != nil && out.Metadata.SourceLanguage != "" {
		fields["metadata"] = map[string]any{"sourceLanguage": out.Metadata.SourceLanguage}
	}
	if err := s.store.Set(ctx, rendezvous.Doc(messagesPath(roomID), out.ID), fields); err != nil {
		err = classify(err)
		if errors.Is(err, ErrPermission) {
			s.log.Warn().Str("room", roomID).Err(err).Msg("room send rejected")
		}
		return "", err
	}
	return out.ID, nil
}

func (s *Synchronizer) translate(docs []rendezvous.Document) []Message {
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		m := Message{ID: d.ID}
		m.SenderID, _ = d.Fields["senderId"].(string)
		m.Content, _ = d.Fields["text"].(string)
		if m.SenderID == s.me {
			m.Role = RoleLocal
		} else {
			m.Role = RoleRemote
		}
		if ms, ok := d.Fields["createdAt"].(float64); ok {
			m.CreatedAt = time.UnixMilli(int64(ms))
		} else {
			m.CreatedAt = s.now()
			m.Unstamped = true
		}
		if md, ok := d.Fields["metadata"].(map[string]any); ok {
			if lang, _ := md["sourceLanguage"].(string); lang != "" {
				m.Metadata = &Metadata{SourceLanguage: lang}
			}
		}
		out = append(out, m)
	}
	return out
}

// Close cancels every feed and presence subscription.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.feeds)+len(s.presence))
	for _, c := range s.feeds {
		cancels = append(cancels, c)
	}
	for _, c := range s.presence {
		cancels = append(cancels, c)
	}
	s.feeds = map[string]func(){}
	s.presence = map[string]func(){}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
