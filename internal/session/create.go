package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
	"github.com/pelusa-v/pelusa-mesh/internal/mesh"
	"github.com/pelusa-v/pelusa-mesh/internal/room"
)

func (o *Orchestrator) newSession(id, title string, backend Backend, cfg Config) Session {
	if cfg.Tier == "" {
		cfg.Tier = TierPersistent
	}
	now := o.now()
	return Session{
		ID:           id,
		Title:        title,
		Backend:      backend,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
		LastRead:     now,
	}
}

func (o *Orchestrator) defaultTitle() string {
	o.mu.Lock()
	n := len(o.sessions) + 1
	o.mu.Unlock()
	return fmt.Sprintf("Chat %d", n)
}

// CreateAISession starts a model-backed session and selects it.
func (o *Orchestrator) CreateAISession(cfg Config, title string) Session {
	if title == "" {
		title = o.defaultTitle()
	}
	s := o.newSession(uuid.NewString(), title, BackendAI, cfg)
	o.insert(s)
	o.log.Debug().Str("session", s.ID).Msg("ai session created")
	return s
}

// CreateAgentSession starts a model-backed session speaking as agent.
func (o *Orchestrator) CreateAgentSession(agent Agent) Session {
	s := o.newSession(uuid.NewString(), agent.Name, BackendAI, Config{
		Mode:        "1:1",
		Instruction: agent.Instruction,
		Safety:      ai.Safety{Mature: agent.Mature},
	})
	s.AgentID = agent.ID
	if s.Title == "" {
		s.Title = o.defaultTitle()
	}
	o.insert(s)
	o.log.Debug().Str("session", s.ID).Str("agent", agent.ID).Msg("agent session created")
	return s
}

// CreateMeshSession finds or opens a waiting rendezvous room and joins its
// mesh. The session id is the room id. An empty tier means ephemeral.
func (o *Orchestrator) CreateMeshSession(ctx context.Context, tier Tier) (Session, error) {
	if o.opts.Store == nil || o.opts.Transport == nil {
		return Session{}, ErrNotConnected
	}
	roomID, role, err := mesh.FindMatch(ctx, o.opts.Store, o.me)
	if err != nil {
		return Session{}, fmt.Errorf("find match: %w", err)
	}
	if tier == "" {
		tier = TierEphemeral
	}

	m := mesh.NewManager(mesh.Options{
		Store:              o.opts.Store,
		Identity:           o.me,
		Transport:          o.opts.Transport,
		NegotiationTimeout: o.opts.NegotiationTimeout,
		OnMessage:          func(from, text string) { o.receiveMesh(roomID, from, text) },
		OnStateChange: func(peer string, st mesh.State) {
			o.log.Debug().Str("session", roomID).Str("peer", peer).Str("state", st.String()).Msg("mesh peer")
		},
		Metrics: o.opts.Metrics,
		Log:     o.log,
	})

	s := o.newSession(roomID, "Mesh "+shortID(roomID), BackendMesh, Config{Tier: tier, Mode: "1:1"})
	o.mu.Lock()
	o.meshes[roomID] = m
	o.mu.Unlock()
	o.insert(s)

	if err := m.JoinRoom(ctx, roomID); err != nil {
		o.remove(func(x Session) bool { return x.ID == roomID })
		o.mu.Lock()
		delete(o.meshes, roomID)
		o.mu.Unlock()
		m.Disconnect()
		return Session{}, fmt.Errorf("join mesh: %w", err)
	}
	o.log.Info().Str("session", roomID).Str("role", string(role)).Msg("mesh session created")
	return s, nil
}

// Mesh returns the live manager of a mesh session.
func (o *Orchestrator) Mesh(id string) (*mesh.Manager, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.meshes[id]
	return m, ok
}

func (o *Orchestrator) receiveMesh(sessionID, from, text string) {
	now := o.now()
	o.update(sessionID, true, func(s *Session) bool {
		s.Messages = append(s.Messages, Message{
			ID:        uuid.NewString(),
			Role:      RoleRemote,
			SenderID:  from,
			Content:   text,
			Timestamp: now,
			Status:    StatusDelivered,
		})
		s.touch(now)
		return true
	})
}

// RoomRequest names a room to join. With an empty RoomID and a Topic, a new
// public room is listed first.
type RoomRequest struct {
	RoomID string
	Topic  string
	Mode   string
	Tier   Tier
}

// CreateOrJoinRoomSession joins a shared room and follows its feed and
// presence. Joining a room that already has a session reuses it.
func (o *Orchestrator) CreateOrJoinRoomSession(ctx context.Context, req RoomRequest) (Session, error) {
	if o.opts.Store == nil {
		return Session{}, ErrNotConnected
	}
	if req.Mode == "" {
		req.Mode = "group"
	}
	id := room.NormalizeID(req.RoomID)
	if id == "" {
		if req.Topic == "" {
			return Session{}, errors.New("session: room id or topic required")
		}
		created, err := room.CreatePublicRoom(ctx, o.opts.Store, req.Topic, req.Mode)
		if err != nil {
			return Session{}, fmt.Errorf("create public room: %w", err)
		}
		id = created
	}

	if err := o.rooms.JoinRoomPresence(ctx, id); err != nil {
		return Session{}, fmt.Errorf("join room: %w", err)
	}

	s, exists := o.Session(id)
	if !exists {
		title := req.Topic
		if title == "" {
			title = "Room " + id
		}
		s = o.newSession(id, title, BackendRoom, Config{Tier: req.Tier, Mode: req.Mode})
		o.insert(s)
	} else {
		_ = o.SetActive(id)
	}

	if err := o.rooms.Subscribe(ctx, id, func(msgs []room.Message) { o.applyFeed(id, msgs) }); err != nil {
		if !exists {
			o.remove(func(x Session) bool { return x.ID == id })
		}
		_ = o.rooms.LeavePresence(ctx, id)
		return Session{}, fmt.Errorf("subscribe room: %w", err)
	}
	err := o.rooms.SubscribePresence(ctx, id, func(n int) {
		o.update(id, false, func(s *Session) bool {
			if s.Online == n {
				return false
			}
			s.Online = n
			return true
		})
	})
	if err != nil {
		o.log.Debug().Err(err).Str("room", id).Msg("presence not followed")
	}
	o.log.Info().Str("session", id).Bool("existing", exists).Msg("room session joined")
	return s, nil
}

// applyFeed replaces a room session's messages with the feed followed by
// local sends the feed does not hold yet.
func (o *Orchestrator) applyFeed(id string, msgs []room.Message) {
	feed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		role := RoleRemote
		if m.Role == room.RoleLocal {
			role = RoleUser
		}
		lang := ""
		if m.Metadata != nil {
			lang = m.Metadata.SourceLanguage
		}
		feed = append(feed, Message{
			ID:        m.ID,
			Role:      role,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Language:  lang,
			Timestamp: m.CreatedAt,
			Status:    StatusDelivered,
		})
	}
	o.update(id, true, func(s *Session) bool {
		o.feeds[id] = feed
		s.Messages = o.mergeRoomLocked(id)
		if n := len(feed); n > 0 {
			s.touch(feed[n-1].Timestamp)
		}
		return true
	})
}

func (o *Orchestrator) mergeRoomLocked(id string) []Message {
	feed := o.feeds[id]
	seen := make(map[string]bool, len(feed))
	for _, m := range feed {
		seen[m.ID] = true
	}
	var pending []Message
	for _, m := range o.outbox[id] {
		if !seen[m.ID] {
			pending = append(pending, m)
		}
	}
	o.outbox[id] = pending
	out := make([]Message, 0, len(feed)+len(pending))
	out = append(out, feed...)
	return append(out, pending...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
