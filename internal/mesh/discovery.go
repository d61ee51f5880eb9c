package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// Role of the local identity in a matched room.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

const (
	statusWaiting = "waiting"
	statusMatched = "matched"
	statusClosed  = "closed"
)

// FindMatch claims the oldest room waiting for a peer, skipping rooms me
// created, or opens a new waiting room. Two guests racing for the same room
// can both claim it; the mesh then simply holds three peers.
func FindMatch(ctx context.Context, store rendezvous.Store, me string) (string, Role, error) {
	if store == nil {
		return "", "", rendezvous.ErrUnavailable
	}
	waiting, err := store.Query(ctx, rendezvous.Query{
		Collection: channels,
		Where:      []rendezvous.Filter{{Field: "status", Value: statusWaiting}},
		OrderBy:    "createdAt",
		Limit:      10,
	})
	if err != nil {
		return "", "", fmt.Errorf("find waiting room: %w", err)
	}
	for _, d := range waiting {
		if host, _ := d.Fields["hostId"].(string); host == me {
			continue
		}
		err := store.Set(ctx, roomPath(d.ID), map[string]any{
			"status":    statusMatched,
			"guestId":   me,
			"matchedAt": rendezvous.ServerTimestamp,
		}, rendezvous.Merge())
		if err != nil {
			return "", "", fmt.Errorf("claim room %s: %w", d.ID, err)
		}
		return d.ID, RoleGuest, nil
	}

	id, err := store.Add(ctx, channels, map[string]any{
		"hostId":    me,
		"status":    statusWaiting,
		"createdAt": rendezvous.ServerTimestamp,
	})
	if err != nil {
		return "", "", fmt.Errorf("create room: %w", err)
	}
	return id, RoleHost, nil
}

// releaseWaiting closes a room me still waits in as host, so FindMatch does
// not hand it to a later guest. Matched rooms are left as they are.
func releaseWaiting(ctx context.Context, store rendezvous.Store, roomID, me string) error {
	d, err := store.Get(ctx, roomPath(roomID))
	if errors.Is(err, rendezvous.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	host, _ := d.Fields["hostId"].(string)
	status, _ := d.Fields["status"].(string)
	if host != me || status != statusWaiting {
		return nil
	}
	return store.Set(ctx, roomPath(roomID), map[string]any{
		"status":   statusClosed,
		"closedAt": rendezvous.ServerTimestamp,
	}, rendezvous.Merge())
}
