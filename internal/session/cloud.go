package session

import (
	"context"
	"time"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

// cloudSession is the shape of users/{identity}/sessions/{id}.
type cloudSession struct {
	Title        string    `json:"title"`
	Backend      Backend   `json:"backend"`
	Config       Config    `json:"config"`
	AgentID      string    `json:"agentId,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Archived     bool      `json:"archived"`
	UpdatedAt    any       `json:"updatedAt,omitempty"`
}

func (o *Orchestrator) cloudCollection() string {
	return rendezvous.Doc("users", o.me, "sessions")
}

func (o *Orchestrator) cloudEnabled() bool {
	return o.opts.CloudSync && o.opts.Store != nil && o.me != ""
}

// syncCloud writes the session to the remote store. Failures are logged
// only; the local list stays authoritative.
func (o *Orchestrator) syncCloud(ctx context.Context, id string) {
	if !o.cloudEnabled() {
		return
	}
	s, ok := o.Session(id)
	if !ok || s.Config.Tier == TierEphemeral {
		return
	}
	doc := cloudSession{
		Title:        s.Title,
		Backend:      s.Backend,
		Config:       s.Config,
		AgentID:      s.AgentID,
		Messages:     s.Messages,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Archived:     s.Archived,
		UpdatedAt:    rendezvous.ServerTimestamp,
	}
	if err := o.opts.Store.Set(ctx, rendezvous.Doc(o.cloudCollection(), id), doc); err != nil {
		o.log.Warn().Err(err).Str("session", id).Msg("cloud sync failed")
	}
}

func (o *Orchestrator) deleteCloud(ctx context.Context, s Session) {
	if !o.cloudEnabled() || s.Backend != BackendAI {
		return
	}
	if err := o.opts.Store.Delete(ctx, rendezvous.Doc(o.cloudCollection(), s.ID)); err != nil {
		o.log.Debug().Err(err).Str("session", s.ID).Msg("cloud copy not removed")
	}
}

// LoadCloudSessions merges the identity's synced sessions into the list. A
// cloud copy replaces a local one only when it is more recent. It returns
// how many sessions were added or replaced.
func (o *Orchestrator) LoadCloudSessions(ctx context.Context) (int, error) {
	if !o.cloudEnabled() {
		return 0, nil
	}
	docs, err := o.opts.Store.Query(ctx, rendezvous.Query{
		Collection: o.cloudCollection(),
		OrderBy:    "updatedAt",
		Desc:       true,
	})
	if err != nil {
		return 0, err
	}

	remote := make([]Session, 0, len(docs))
	for _, d := range docs {
		var c cloudSession
		if err := d.DataTo(&c); err != nil {
			o.log.Debug().Err(err).Str("session", d.ID).Msg("cloud session unreadable")
			continue
		}
		remote = append(remote, Session{
			ID:           d.ID,
			Title:        c.Title,
			Backend:      c.Backend,
			Config:       c.Config,
			AgentID:      c.AgentID,
			Messages:     c.Messages,
			CreatedAt:    c.CreatedAt,
			LastActivity: c.LastActivity,
			LastRead:     c.LastActivity,
			Archived:     c.Archived,
		})
	}

	o.mu.Lock()
	next := append([]Session(nil), o.sessions...)
	merged := 0
	for _, r := range remote {
		i := -1
		for j := range next {
			if next[j].ID == r.ID {
				i = j
				break
			}
		}
		switch {
		case i < 0:
			next = append(next, r)
			merged++
		case r.LastActivity.After(next[i].LastActivity):
			next[i] = r
			merged++
		}
	}
	if merged == 0 {
		o.mu.Unlock()
		return 0, nil
	}
	sortNewest(next)
	o.sessions = next
	o.mu.Unlock()
	o.changed(true)
	o.log.Info().Int("sessions", merged).Msg("cloud sessions merged")
	return merged, nil
}
