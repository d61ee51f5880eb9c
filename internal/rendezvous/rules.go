package rendezvous

import (
	"fmt"
	"strings"
)

// Op is the kind of write being authorized.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Write describes a write for Rules.
type Write struct {
	Op         Op
	Path       string
	Collection string
	ID         string
	Fields     map[string]any // fields being written; existing fields for deletes
	Caller     string         // "" for trusted in-process writes
}

// Rules authorizes a write. A non-nil error rejects it and should wrap
// ErrPermissionDenied.
type Rules func(w Write) error

// DefaultRules enforce that identities only speak for themselves:
//   - a chat message's senderId must be the caller
//   - a signal's from must be the caller, and only its target may delete it
//   - a participant document's id must be the caller
//
// Trusted writes (no caller) are always allowed.
func DefaultRules(w Write) error {
	if w.Caller == "" {
		return nil
	}
	last := w.Collection
	if i := strings.LastIndex(last, "/"); i >= 0 {
		last = last[i+1:]
	}
	deny := func(reason string) error {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, reason, w.Path)
	}
	switch last {
	case "messages":
		if w.Op == OpDelete {
			if s, _ := w.Fields["senderId"].(string); s != w.Caller {
				return deny("only the sender may delete a message")
			}
			return nil
		}
		if s, ok := w.Fields["senderId"]; ok && s != w.Caller {
			return deny("senderId must match caller")
		}
		if w.Op == OpCreate {
			if _, ok := w.Fields["senderId"]; !ok {
				return deny("senderId required")
			}
		}
	case "signals":
		if w.Op == OpDelete {
			if to, _ := w.Fields["to"].(string); to != w.Caller {
				return deny("only the target may consume a signal")
			}
			return nil
		}
		if from, _ := w.Fields["from"].(string); from != w.Caller {
			return deny("signal from must match caller")
		}
	case "participants":
		if w.ID != w.Caller {
			return deny("participant id must match caller")
		}
	}
	return nil
}
