package room

import (
	"context"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// PublicRoom is a discoverable listing.
type PublicRoom struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Mode        string    `json:"mode"`
	ActiveUsers int       `json:"active_users"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreatePublicRoom writes a listing and returns the new room id.
func CreatePublicRoom(ctx context.Context, store rendezvous.Store, topic, mode string) (string, error) {
	if store == nil {
		return "", ErrNotConnected
	}
	topic = strings.TrimSpace(topic)
	if mode == "" {
		mode = "group"
	}
	id, err := store.Add(ctx, publicRooms, map[string]any{
		"topic":       topic,
		"mode":        mode,
		"activeUsers": 0,
		"createdAt":   rendezvous.ServerTimestamp,
	})
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// ListPublicRooms returns up to limit listings, newest first.
func ListPublicRooms(ctx context.Context, store rendezvous.Store, limit int) ([]PublicRoom, error) {
	if store == nil {
		return nil, ErrNotConnected
	}
	docs, err := store.Query(ctx, rendezvous.Query{
		Collection: publicRooms,
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]PublicRoom, 0, len(docs))
	for _, d := range docs {
		r := PublicRoom{ID: d.ID}
		r.Topic, _ = d.Fields["topic"].(string)
		r.Mode, _ = d.Fields["mode"].(string)
		if n, ok := d.Fields["activeUsers"].(float64); ok && n > 0 {
			r.ActiveUsers = int(n)
		}
		if ms, ok := d.Fields["createdAt"].(float64); ok {
			r.CreatedAt = time.UnixMilli(int64(ms))
		}
		out = append(out, r)
	}
	return out, nil
}
