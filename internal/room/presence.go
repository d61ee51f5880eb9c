package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// JoinRoomPresence creates the local presence record, or touches lastSeen when
// it exists, then bumps the public listing counter. The counter is best-effort:
// it is never decremented and a refresh counts twice.
func (s *Synchronizer) JoinRoomPresence(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := NormalizeID(roomID)
	if id == "" {
		return fmt.Errorf("%w: empty room id", rendezvous.ErrInvalidPath)
	}
	p := participantPath(id, s.me)
	_, err := s.store.Get(ctx, p)
	switch {
	case err == nil:
		err = s.store.Set(ctx, p, map[string]any{"lastSeen": rendezvous.ServerTimestamp}, rendezvous.Merge())
	case errors.Is(err, rendezvous.ErrNotFound):
		err = s.store.Set(ctx, p, map[string]any{
			"identity": s.me,
			"joinedAt": rendezvous.ServerTimestamp,
			"lastSeen": rendezvous.ServerTimestamp,
		})
	}
	if err != nil {
		return classify(err)
	}

	if err := s.store.Increment(ctx, publicRoomPath(id), "activeUsers", 1); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
		s.log.Debug().Str("room", id).Err(err).Msg("active user counter not updated")
	}
	return nil
}

// LeavePresence removes the local presence record. The public counter is
// left alone.
func (s *Synchronizer) LeavePresence(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := NormalizeID(roomID)
	if id == "" {
		return fmt.Errorf("%w: empty room id", rendezvous.ErrInvalidPath)
	}
	return classify(s.store.Delete(ctx, participantPath(id, s.me)))
}

// SubscribePresence reports the number of presence records on every change.
func (s *Synchronizer) SubscribePresence(ctx context.Context, roomID string, onCount func(int)) error {
	if err := s.ready(); err != nil {
		return err
	}
	id := NormalizeID(roomID)
	if id == "" {
		return fmt.Errorf("%w: empty room id", rendezvous.ErrInvalidPath)
	}
	cancel, err := s.store.Subscribe(ctx, rendezvous.Query{Collection: participantsPath(id)}, func(snap rendezvous.Snapshot) {
		onCount(len(snap.Docs))
	})
	if err != nil {
		return classify(err)
	}
	s.mu.Lock()
	prev := s.presence[id]
	s.presence[id] = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

func (s *Synchronizer) UnsubscribePresence(roomID string) {
	id := NormalizeID(roomID)
	s.mu.Lock()
	cancel := s.presence[id]
	delete(s.presence, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// PresenceCount reads the current number of presence records of a room.
func PresenceCount(ctx context.Context, store rendezvous.Store, roomID string) (int, error) {
	docs, err := store.Query(ctx, rendezvous.Query{Collection: participantsPath(roomID)})
	if err != nil {
		return 0, classify(err)
	}
	return len(docs), nil
}
