package mesh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// Kind of a negotiation signal.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Signal is a directed negotiation message stored under a mesh room.
type Signal struct {
	ID      string          `json:"-"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const channels = "p2p_channels"

func roomPath(roomID string) string {
	return rendezvous.Doc(channels, roomID)
}

func signalsPath(roomID string) string {
	return rendezvous.Doc(channels, roomID, "signals")
}

func participantsPath(roomID string) string {
	return rendezvous.Doc(channels, roomID, "participants")
}

// SendSignal appends a signal from one identity to another. Store failures
// are returned as is.
func SendSignal(ctx context.Context, store rendezvous.Store, roomID, from, to string, kind Kind, payload json.RawMessage) error {
	if store == nil {
		return rendezvous.ErrUnavailable
	}
	var body any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return fmt.Errorf("signal payload: %w", err)
		}
	}
	_, err := store.Add(ctx, signalsPath(roomID), map[string]any{
		"from":      from,
		"to":        to,
		"type":      string(kind),
		"payload":   body,
		"createdAt": rendezvous.ServerTimestamp,
	})
	return err
}

// SubscribeSignalsFor delivers, in creation order, every newly added signal
// whose target is me. Signals for other identities never reach onSignal.
func SubscribeSignalsFor(ctx context.Context, store rendezvous.Store, roomID, me string, onSignal func(Signal)) (func(), error) {
	if store == nil {
		return nil, rendezvous.ErrUnavailable
	}
	q := rendezvous.Query{
		Collection: signalsPath(roomID),
		Where:      []rendezvous.Filter{{Field: "to", Value: me}},
		OrderBy:    "createdAt",
	}
	return store.Subscribe(ctx, q, func(snap rendezvous.Snapshot) {
		for _, ch := range snap.Changes {
			if ch.Kind != rendezvous.Added {
				continue
			}
			var sig Signal
			if err := ch.Doc.DataTo(&sig); err != nil {
				continue
			}
			if sig.To != me {
				continue
			}
			sig.ID = ch.Doc.ID
			onSignal(sig)
		}
	})
}

// consumeSignal removes a handled signal.
func consumeSignal(ctx context.Context, store rendezvous.Store, roomID, id string) error {
	return store.Delete(ctx, rendezvous.Doc(signalsPath(roomID), id))
}
