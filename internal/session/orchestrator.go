package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/ai"
	"github.com/pelusa-v/pelusa-mesh/internal/localstore"
	"github.com/pelusa-v/pelusa-mesh/internal/mesh"
	"github.com/pelusa-v/pelusa-mesh/internal/metrics"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
	"github.com/pelusa-v/pelusa-mesh/internal/room"
)

const sessionsKey = "sessions"

// LanguageDetector tags room sends with their source language.
type LanguageDetector interface {
	DetectLanguage(ctx context.Context, text string) string
}

type Options struct {
	Identity string
	// Store must already write as Identity. Nil leaves mesh and room
	// sessions unavailable.
	Store     rendezvous.Store
	Transport mesh.Transport
	Generator ai.Generator
	Detector  LanguageDetector
	Local     *localstore.Store
	Profile   ai.Profile

	CloudSync          bool
	RoomWindow         int
	GenerationTimeout  time.Duration
	NegotiationTimeout time.Duration

	// OnChange gets the session list after every change.
	OnChange func([]Session)

	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Orchestrator holds the session list. The list is replaced as a whole on
// every change, so slices returned by Sessions stay valid.
type Orchestrator struct {
	opts  Options
	me    string
	now   func() time.Time
	log   zerolog.Logger
	rooms *room.Synchronizer

	mu       sync.Mutex
	sessions []Session
	active   string
	meshes   map[string]*mesh.Manager
	feeds    map[string][]Message // room id -> last feed snapshot
	outbox   map[string][]Message // room id -> local sends not yet in the feed

	saveMu   sync.Mutex
	notifyMu sync.Mutex
}

// New restores saved sessions from opts.Local. Messages that were still in
// flight when they were saved come back failed.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		opts:   opts,
		me:     opts.Identity,
		now:    opts.Now,
		log:    opts.Log,
		meshes: map[string]*mesh.Manager{},
		feeds:  map[string][]Message{},
		outbox: map[string][]Message{},
	}
	o.rooms = room.New(opts.Store, opts.Identity, room.Options{
		Window: opts.RoomWindow,
		Now:    opts.Now,
		Log:    opts.Log,
	})

	saved := localstore.Get[[]Session](opts.Local, sessionsKey, nil)
	for i := range saved {
		s := &saved[i]
		for j := range s.Messages {
			if s.Messages[j].Status.CanBecome(StatusFailed) {
				s.Messages[j].Status = StatusFailed
			}
		}
	}
	o.sessions = saved
	if len(saved) > 0 {
		o.log.Info().Int("sessions", len(saved)).Msg("sessions restored")
	}
	return o
}

func (o *Orchestrator) Identity() string {
	return o.me
}

// Sessions returns the current list, newest first.
func (o *Orchestrator) Sessions() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions
}

func (o *Orchestrator) Session(id string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.indexLocked(id); i >= 0 {
		return o.sessions[i], true
	}
	return Session{}, false
}

// Active returns the selected session id, or "".
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) SetActive(id string) error {
	o.mu.Lock()
	if id != "" && o.indexLocked(id) < 0 {
		o.mu.Unlock()
		return ErrUnknownSession
	}
	o.active = id
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) indexLocked(id string) int {
	return slices.IndexFunc(o.sessions, func(s Session) bool { return s.ID == id })
}

// insert puts s first in the list and selects it.
func (o *Orchestrator) insert(s Session) {
	o.mu.Lock()
	next := make([]Session, 0, len(o.sessions)+1)
	next = append(next, s)
	next = append(next, o.sessions...)
	o.sessions = next
	o.active = s.ID
	o.mu.Unlock()
	o.changed(true)
}

// update applies fn to a copy of session id and publishes the copy when fn
// returns true. fn runs under the list lock and may modify the copy's
// Messages freely.
func (o *Orchestrator) update(id string, persist bool, fn func(s *Session) bool) bool {
	o.mu.Lock()
	i := o.indexLocked(id)
	if i < 0 {
		o.mu.Unlock()
		return false
	}
	s := o.sessions[i]
	s.Messages = slices.Clone(s.Messages)
	if !fn(&s) {
		o.mu.Unlock()
		return false
	}
	next := slices.Clone(o.sessions)
	next[i] = s
	o.sessions = next
	o.mu.Unlock()
	o.changed(persist)
	return true
}

// remove drops every session matching drop and returns them.
func (o *Orchestrator) remove(drop func(Session) bool) []Session {
	o.mu.Lock()
	var gone []Session
	next := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		if drop(s) {
			gone = append(gone, s)
			continue
		}
		next = append(next, s)
	}
	if len(gone) == 0 {
		o.mu.Unlock()
		return nil
	}
	o.sessions = next
	for _, s := range gone {
		if s.ID == o.active {
			o.active = ""
		}
	}
	o.mu.Unlock()
	o.changed(true)
	return gone
}

func (o *Orchestrator) changed(persist bool) {
	if persist {
		o.save()
	}
	if o.opts.OnChange != nil {
		o.notifyMu.Lock()
		o.opts.OnChange(o.Sessions())
		o.notifyMu.Unlock()
	}
}

// save writes the latest list without ephemeral sessions.
func (o *Orchestrator) save() {
	if !o.opts.Local.Available() {
		return
	}
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	var keep []Session
	for _, s := range o.Sessions() {
		if s.Config.Tier != TierEphemeral {
			keep = append(keep, s)
		}
	}
	o.opts.Local.Set(sessionsKey, keep)
}

// ToggleArchive flips the archived flag and returns the new value. Archiving
// the active session clears the selection.
func (o *Orchestrator) ToggleArchive(id string) (bool, error) {
	var archived bool
	ok := o.update(id, true, func(s *Session) bool {
		s.Archived = !s.Archived
		archived = s.Archived
		return true
	})
	if !ok {
		return false, ErrUnknownSession
	}
	if archived {
		o.mu.Lock()
		if o.active == id {
			o.active = ""
		}
		o.mu.Unlock()
	}
	return archived, nil
}

// Delete removes a session and releases its mesh or room resources.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	gone := o.remove(func(s Session) bool { return s.ID == id })
	if len(gone) == 0 {
		return ErrUnknownSession
	}
	o.release(ctx, gone[0])
	o.deleteCloud(ctx, gone[0])
	return nil
}

func (o *Orchestrator) release(ctx context.Context, s Session) {
	switch s.Backend {
	case BackendMesh:
		o.mu.Lock()
		m := o.meshes[s.ID]
		delete(o.meshes, s.ID)
		o.mu.Unlock()
		if m != nil {
			m.Disconnect()
		}
	case BackendRoom:
		o.rooms.Unsubscribe(s.ID)
		o.rooms.UnsubscribePresence(s.ID)
		o.mu.Lock()
		delete(o.feeds, s.ID)
		delete(o.outbox, s.ID)
		o.mu.Unlock()
		if err := o.rooms.LeavePresence(ctx, s.ID); err != nil {
			o.log.Debug().Err(err).Str("room", s.ID).Msg("presence not removed")
		}
	}
}

// Sweep removes every session past its tier's retention and returns how
// many went.
func (o *Orchestrator) Sweep(now time.Time) int {
	gone := o.remove(func(s Session) bool { return Expired(now, s.Config.Tier, s.LastActivity) })
	if len(gone) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range gone {
		o.log.Info().Str("session", s.ID).Str("tier", string(s.Config.Tier)).Time("last_activity", s.LastActivity).Msg("session expired")
		o.release(ctx, s)
	}
	o.opts.Metrics.RecordExpired(len(gone))
	return len(gone)
}

// DefaultSweepInterval is used when RunSweeper gets a non-positive interval.
const DefaultSweepInterval = 10 * time.Second

// RunSweeper sweeps every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(o.now())
		}
	}
}

// Close disconnects every live backend. Sessions stay in the list.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	meshes := o.meshes
	o.meshes = map[string]*mesh.Manager{}
	var rooms []string
	for _, s := range o.sessions {
		if s.Backend == BackendRoom {
			rooms = append(rooms, s.ID)
		}
	}
	o.mu.Unlock()

	for _, m := range meshes {
		m.Disconnect()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range rooms {
		_ = o.rooms.LeavePresence(ctx, id)
	}
	o.rooms.Close()
}

func sortNewest(list []Session) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].LastActivity.After(list[j].LastActivity) })
}
