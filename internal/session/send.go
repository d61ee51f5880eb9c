package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
	"github.com/pelusa-v/pelusa-mesh/internal/room"
)

// SendUserMessage appends text to the session as a pending local message
// and hands it to the session's backend. It never returns a raw error: the
// outcome says how the message ended up.
func (o *Orchestrator) SendUserMessage(ctx context.Context, sessionID, text string) Outcome {
	s, ok := o.Session(sessionID)
	if !ok {
		return failed("", FailureUnknownSession, ErrUnknownSession.Error())
	}
	if strings.TrimSpace(text) == "" {
		return failed("", FailureInvalid, "empty message")
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		SenderID:  o.me,
		Content:   text,
		Timestamp: o.now(),
		Status:    StatusPending,
	}

	var out Outcome
	switch s.Backend {
	case BackendAI:
		out = o.sendAI(ctx, s, msg)
	case BackendMesh:
		out = o.sendMesh(s, msg)
	case BackendRoom:
		out = o.sendRoom(ctx, s, msg)
	default:
		out = failed("", FailureTransport, "unsupported backend "+string(s.Backend))
	}
	o.opts.Metrics.RecordMessage(string(s.Backend), string(out.Status))
	return out
}

// history returns the turns the model should see: delivered, non-synthetic
// messages in order.
func history(msgs []Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != StatusDelivered || m.Synthetic {
			continue
		}
		sp := ai.SpeakerModel
		if m.Role == RoleUser {
			sp = ai.SpeakerUser
		}
		turns = append(turns, ai.Turn{Speaker: sp, Text: m.Content})
	}
	return turns
}

func (o *Orchestrator) sendAI(ctx context.Context, s Session, msg Message) Outcome {
	turns := history(s.Messages)
	reply := Message{
		ID:        uuid.NewString(),
		Role:      RoleRemote,
		Timestamp: msg.Timestamp,
		Status:    StatusPending,
	}
	if !o.update(s.ID, true, func(s *Session) bool {
		s.Messages = append(s.Messages, msg, reply)
		s.touch(msg.Timestamp)
		return true
	}) {
		return failed("", FailureUnknownSession, ErrUnknownSession.Error())
	}

	if o.opts.Generator == nil {
		return o.generationFailed(s.ID, msg.ID, reply.ID, "no model configured")
	}
	if d := o.opts.GenerationTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	system := ai.BuildSystemPrompt(s.Config.promptContext(), o.opts.Profile)
	full, err := o.opts.Generator.Stream(ctx, system, turns, msg.Content, func(chunk string) {
		o.update(s.ID, false, func(s *Session) bool {
			m := s.message(reply.ID)
			if m == nil || !m.Status.CanBecome(StatusStreaming) {
				return false
			}
			m.Status = StatusStreaming
			m.Content += chunk
			return true
		})
	})
	if err != nil {
		reason := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "generation timed out"
		}
		o.log.Error().Err(err).Str("session", s.ID).Msg("generation failed")
		return o.generationFailed(s.ID, msg.ID, reply.ID, reason)
	}

	content, original := SplitTranslation(full)
	now := o.now()
	o.update(s.ID, true, func(s *Session) bool {
		s.setStatus(msg.ID, StatusDelivered)
		if m := s.message(reply.ID); m != nil && m.Status.CanBecome(StatusDelivered) {
			m.Content = content
			m.OriginalContent = original
			m.Status = StatusDelivered
			m.Timestamp = now
		}
		s.touch(now)
		return true
	})
	o.syncCloud(ctx, s.ID)
	return Outcome{MessageID: msg.ID, Status: StatusDelivered, Failure: FailureNone}
}

// generationFailed marks the turn failed and appends an error notice.
func (o *Orchestrator) generationFailed(sessionID, msgID, replyID, reason string) Outcome {
	now := o.now()
	o.update(sessionID, true, func(s *Session) bool {
		s.setStatus(msgID, StatusFailed)
		s.setStatus(replyID, StatusFailed)
		s.Messages = append(s.Messages, Message{
			ID:        uuid.NewString(),
			Role:      RoleRemote,
			Content:   "Error: " + reason,
			Timestamp: now,
			Status:    StatusFailed,
			Synthetic: true,
		})
		return true
	})
	return failed(msgID, FailureGeneration, reason)
}

// sendMesh broadcasts to the open peers. There are no receipts, so the
// message counts as delivered once handed over.
func (o *Orchestrator) sendMesh(s Session, msg Message) Outcome {
	o.update(s.ID, true, func(s *Session) bool {
		s.Messages = append(s.Messages, msg)
		s.touch(msg.Timestamp)
		return true
	})

	o.mu.Lock()
	m := o.meshes[s.ID]
	o.mu.Unlock()
	if m == nil {
		o.update(s.ID, true, func(s *Session) bool { return s.setStatus(msg.ID, StatusFailed) })
		return failed(msg.ID, FailureNotConnected, ErrNotConnected.Error())
	}
	n := m.Send(msg.Content)
	o.log.Debug().Str("session", s.ID).Int("peers", n).Msg("mesh message sent")
	o.update(s.ID, true, func(s *Session) bool { return s.setStatus(msg.ID, StatusDelivered) })
	return Outcome{MessageID: msg.ID, Status: StatusDelivered, Failure: FailureNone}
}

// sendRoom writes to the room feed. The local copy shows until the feed
// echoes it back under the same id.
func (o *Orchestrator) sendRoom(ctx context.Context, s Session, msg Message) Outcome {
	o.update(s.ID, true, func(s *Session) bool {
		o.outbox[s.ID] = append(o.outbox[s.ID], msg)
		s.Messages = o.mergeRoomLocked(s.ID)
		s.touch(msg.Timestamp)
		return true
	})

	var meta *room.Metadata
	if o.opts.Detector != nil {
		meta = &room.Metadata{SourceLanguage: o.opts.Detector.DetectLanguage(ctx, msg.Content)}
	}
	_, err := o.rooms.Send(ctx, room.Outgoing{ID: msg.ID, RoomID: s.ID, Text: msg.Content, Metadata: meta})
	if err != nil {
		o.setOutboxStatus(s.ID, msg.ID, StatusFailed)
		kind := FailureTransport
		switch {
		case errors.Is(err, room.ErrPermission):
			kind = FailurePermission
		case errors.Is(err, room.ErrNotConnected):
			kind = FailureNotConnected
		}
		return failed(msg.ID, kind, err.Error())
	}
	o.setOutboxStatus(s.ID, msg.ID, StatusDelivered)
	return Outcome{MessageID: msg.ID, Status: StatusDelivered, Failure: FailureNone}
}

func (o *Orchestrator) setOutboxStatus(sessionID, msgID string, next Status) {
	o.update(sessionID, true, func(s *Session) bool {
		box := o.outbox[sessionID]
		i := -1
		for j := range box {
			if box[j].ID == msgID {
				i = j
				break
			}
		}
		if i < 0 || !box[i].Status.CanBecome(next) {
			return false
		}
		box = append([]Message(nil), box...)
		box[i].Status = next
		o.outbox[sessionID] = box
		s.Messages = o.mergeRoomLocked(sessionID)
		return true
	})
}
