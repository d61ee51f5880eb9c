package session

import (
	"sort"
	"time"
)

// Preview is one line of the session inbox.
type Preview struct {
	SessionID    string    `json:"session_id"`
	Backend      Backend   `json:"backend"`
	Title        string    `json:"title"`
	LastBody     string    `json:"last_body"`
	LastActivity time.Time `json:"last_activity"`
	Unread       int       `json:"unread"`
	Online       int       `json:"online,omitempty"`
}

// Previews lists non-archived sessions, most recently active first. Unread
// counts remote messages newer than the last MarkRead.
func (o *Orchestrator) Previews() []Preview {
	list := o.Sessions()
	out := make([]Preview, 0, len(list))
	for _, s := range list {
		if s.Archived {
			continue
		}
		p := Preview{
			SessionID:    s.ID,
			Backend:      s.Backend,
			Title:        s.Title,
			LastActivity: s.LastActivity,
			Online:       s.Online,
		}
		for _, m := range s.Messages {
			if m.Synthetic {
				continue
			}
			if m.Content != "" {
				p.LastBody = m.Content
			}
			if m.Role == RoleRemote && m.Timestamp.After(s.LastRead) {
				p.Unread++
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func (o *Orchestrator) MarkRead(id string) error {
	now := o.now()
	if !o.update(id, true, func(s *Session) bool {
		s.LastRead = now
		return true
	}) {
		return ErrUnknownSession
	}
	return nil
}
