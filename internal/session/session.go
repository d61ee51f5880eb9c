// Package session owns the local list of conversations and routes each
// outgoing message to the backend behind its session: the language model,
// a peer mesh or a shared room.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
)

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrNotConnected   = errors.New("session: backend not connected")
)

// Backend is fixed when a session is created.
type Backend string

const (
	BackendAI   Backend = "ai"
	BackendMesh Backend = "mesh"
	BackendRoom Backend = "room"
)

// Tier is the retention policy of a session.
type Tier string

const (
	TierPersistent Tier = "persistent"
	Tier24h        Tier = "24h"
	Tier59m        Tier = "59m"
	TierEphemeral  Tier = "ephemeral" // never persisted
)

var tierLimits = map[Tier]time.Duration{
	Tier24h: 86400 * time.Second,
	Tier59m: 3540 * time.Second,
}

// Expired reports whether a session of tier, last active at lastActivity,
// is past its retention at now. Untimed tiers never expire.
func Expired(now time.Time, tier Tier, lastActivity time.Time) bool {
	limit, ok := tierLimits[tier]
	if !ok {
		return false
	}
	return now.Sub(lastActivity) > limit
}

type Role string

const (
	RoleUser   Role = "local-user"
	RoleRemote Role = "remote"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// CanBecome reports whether a message in s may move to next. Delivered and
// failed are final; streaming may repeat.
func (s Status) CanBecome(next Status) bool {
	switch s {
	case StatusPending, StatusStreaming:
		return next == StatusStreaming || next == StatusDelivered || next == StatusFailed
	}
	return false
}

type Message struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	SenderID        string    `json:"sender_id,omitempty"`
	Content         string    `json:"content"`
	OriginalContent string    `json:"original_content,omitempty"`
	Language        string    `json:"language,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Status          Status    `json:"status"`
	// Synthetic marks locally generated notices, such as a generation error.
	// They are never sent to the model.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Config is chosen when a session is created.
type Config struct {
	Tier        Tier      `json:"tier"`
	Mode        string    `json:"mode,omitempty"`
	Model       string    `json:"model,omitempty"`
	Instruction string    `json:"instruction,omitempty"`
	Story       string    `json:"story,omitempty"`
	Safety      ai.Safety `json:"safety"`
}

func (c Config) promptContext() ai.SessionContext {
	return ai.SessionContext{
		Instruction: c.Instruction,
		Mode:        c.Mode,
		Story:       c.Story,
		OffRecord:   c.Tier == TierEphemeral,
		Safety:      c.Safety,
	}
}

// Agent is a preset persona an AI session can be started from.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Instruction string   `json:"instruction"`
	Tags        []string `json:"tags,omitempty"`
	Mature      bool     `json:"mature,omitempty"`
}

// Session values handed out by the Orchestrator are snapshots; they never
// change after being returned.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Backend      Backend   `json:"backend"`
	Config       Config    `json:"config"`
	AgentID      string    `json:"agent_id,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	LastRead     time.Time `json:"last_read"`
	Archived     bool      `json:"archived,omitempty"`
	// Online is the room's presence count; rooms only.
	Online int `json:"-"`
}

func (s *Session) message(id string) *Message {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return &s.Messages[i]
		}
	}
	return nil
}

func (s *Session) setStatus(id string, next Status) bool {
	m := s.message(id)
	if m == nil || !m.Status.CanBecome(next) {
		return false
	}
	m.Status = next
	return true
}

func (s *Session) touch(t time.Time) {
	if t.After(s.LastActivity) {
		s.LastActivity = t
	}
}

// SplitTranslation splits a model reply on the original-language marker.
// Without the marker the trimmed reply is the content and there is no
// original. The original ends at a second marker, if any.
func SplitTranslation(reply string) (content, original string) {
	parts := strings.Split(reply, ai.OriginalMarker)
	if len(parts) == 1 {
		return strings.TrimSpace(reply), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// FailureKind classifies a failed send.
type FailureKind string

const (
	FailureNone           FailureKind = "none"
	FailurePermission     FailureKind = "permission"
	FailureNotConnected   FailureKind = "not-connected"
	FailureGeneration     FailureKind = "generation"
	FailureTransport      FailureKind = "transport"
	FailureUnknownSession FailureKind = "unknown-session"
	FailureInvalid        FailureKind = "invalid"
)

// Outcome is the result of SendUserMessage. MessageID is the local message,
// empty when nothing was appended.
type Outcome struct {
	MessageID string      `json:"message_id,omitempty"`
	Status    Status      `json:"status"`
	Failure   FailureKind `json:"failure"`
	Reason    string      `json:"reason,omitempty"`
}

func (o Outcome) OK() bool {
	return o.Failure == FailureNone
}

func failed(id string, kind FailureKind, reason string) Outcome {
	return Outcome{MessageID: id, Status: StatusFailed, Failure: kind, Reason: reason}
}
