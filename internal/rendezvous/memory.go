package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Backend persists documents for a MemoryStore.
type Backend interface {
	Load() ([]BackendDoc, error)
	Put(doc BackendDoc) error
	Delete(path string) error
	Close() error
}

// BackendDoc is one persisted document.
type BackendDoc struct {
	Path   string
	Seq    int64
	Fields map[string]any
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	Backend Backend // optional write-through persistence
	Rules   Rules   // optional write authorization
	Now     func() time.Time
	Log     zerolog.Logger
}

// MemoryStore is an in-process Store. It is the hub's document store and the
// store used by tests.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]*storedDoc
	seq         int64
	subs        map[int64]*memSub
	nextSub     int64
	closed      bool

	backend Backend
	rules   Rules
	now     func() time.Time
	entropy io.Reader
	log     zerolog.Logger
}

type memSub struct {
	q     Query
	last  map[string]int64 // id -> rev seen in the previous snapshot
	queue *deliveryQueue
}

// NewMemoryStore creates a store, loading any documents the backend holds.
func NewMemoryStore(opts MemoryOptions) (*MemoryStore, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		collections: map[string]map[string]*storedDoc{},
		subs:        map[int64]*memSub{},
		backend:     opts.Backend,
		rules:       opts.Rules,
		now:         now,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(now().UnixNano())), 0),
		log:         opts.Log,
	}
	if s.backend != nil {
		docs, err := s.backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load documents: %w", err)
		}
		for _, d := range docs {
			coll, id, err := SplitPath(d.Path)
			if err != nil {
				continue
			}
			if d.Seq > s.seq {
				s.seq = d.Seq
			}
			s.coll(coll)[id] = &storedDoc{
				doc: Document{ID: id, Path: d.Path, Fields: d.Fields},
				seq: d.Seq,
				rev: d.Seq,
			}
		}
	}
	return s, nil
}

// As returns a view of the store that performs every operation as identity.
func (s *MemoryStore) As(identity string) Store {
	return &boundStore{MemoryStore: s, identity: identity}
}

func (s *MemoryStore) coll(name string) map[string]*storedDoc {
	c, ok := s.collections[name]
	if !ok {
		c = map[string]*storedDoc{}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) newID() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func (s *MemoryStore) authorize(ctx context.Context, w Write) error {
	if s.rules == nil {
		return nil
	}
	w.Caller = CallerFrom(ctx)
	if err := s.rules(w); err != nil {
		s.log.Warn().Str("op", string(w.Op)).Str("path", w.Path).Str("caller", w.Caller).Err(err).Msg("write rejected")
		return err
	}
	return nil
}

// SignIn accepts any non-empty identity.
func (s *MemoryStore) SignIn(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: empty identity", ErrPermissionDenied)
	}
	return identity, nil
}

// Add creates a document with a ULID id.
func (s *MemoryStore) Add(ctx context.Context, collection string, data any) (string, error) {
	if err := validCollection(collection); err != nil {
		return "", err
	}
	fields, err := normalize(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrUnavailable
	}
	id := s.newID()
	if err := s.writeLocked(ctx, collection, id, fields, false, OpCreate); err != nil {
		return "", err
	}
	return id, nil
}

// Set writes a document.
func (s *MemoryStore) Set(ctx context.Context, path string, data any, opts ...SetOption) error {
	coll, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	fields, err := normalize(data)
	if err != nil {
		return err
	}
	o := applySetOptions(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	op := OpUpdate
	if _, exists := s.coll(coll)[id]; !exists {
		op = OpCreate
	}
	return s.writeLocked(ctx, coll, id, fields, o.merge, op)
}

func (s *MemoryStore) writeLocked(ctx context.Context, coll, id string, fields map[string]any, merge bool, op Op) error {
	path := coll + "/" + id
	if err := s.authorize(ctx, Write{Op: op, Path: path, Collection: coll, ID: id, Fields: fields}); err != nil {
		return err
	}
	resolveTimestamps(fields, s.now())

	existing := s.coll(coll)[id]
	if merge && existing != nil {
		merged := cloneFields(existing.doc.Fields)
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}

	s.seq++
	d := &storedDoc{
		doc: Document{ID: id, Path: path, Fields: fields},
		seq: s.seq,
		rev: s.seq,
	}
	if existing != nil {
		d.seq = existing.seq
	}
	if s.backend != nil {
		if err := s.backend.Put(BackendDoc{Path: path, Seq: d.seq, Fields: fields}); err != nil {
			return fmt.Errorf("persist %s: %w", path, err)
		}
	}
	s.coll(coll)[id] = d
	s.notifyLocked(coll)
	return nil
}

// Get reads one document.
func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	coll, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrUnavailable
	}
	d, ok := s.collections[coll][id]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return copyDoc(d.doc), nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	coll, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	d, ok := s.collections[coll][id]
	if !ok {
		return nil
	}
	if err := s.authorize(ctx, Write{Op: OpDelete, Path: path, Collection: coll, ID: id, Fields: d.doc.Fields}); err != nil {
		return err
	}
	if s.backend != nil {
		if err := s.backend.Delete(path); err != nil {
			return fmt.Errorf("persist delete %s: %w", path, err)
		}
	}
	delete(s.collections[coll], id)
	s.notifyLocked(coll)
	return nil
}

// Query runs q once.
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := validCollection(q.Collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	res := runQuery(s.docsLocked(q.Collection), q)
	out := make([]Document, len(res))
	for i, d := range res {
		out[i] = copyDoc(d.doc)
	}
	return out, nil
}

// Increment adds delta to a numeric field; a missing field counts as zero.
func (s *MemoryStore) Increment(ctx context.Context, path, field string, delta int64) error {
	coll, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	d, ok := s.collections[coll][id]
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	next := toFloat(d.doc.Fields[field]) + float64(delta)
	return s.writeLocked(ctx, coll, id, map[string]any{field: next}, true, OpUpdate)
}

// Subscribe starts a live query. The first snapshot reports every matching
// document as Added.
func (s *MemoryStore) Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (func(), error) {
	if err := validCollection(q.Collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrUnavailable
	}
	s.nextSub++
	id := s.nextSub
	sub := &memSub{q: q, last: map[string]int64{}, queue: newDeliveryQueue(fn)}
	s.subs[id] = sub
	sub.queue.push(s.diffLocked(sub))

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.queue.stop()
		})
	}, nil
}

// Close stops every subscription and the backend.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = map[int64]*memSub{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.queue.stop()
	}
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

func (s *MemoryStore) docsLocked(coll string) []*storedDoc {
	c := s.collections[coll]
	all := make([]*storedDoc, 0, len(c))
	for _, d := range c {
		all = append(all, d)
	}
	return all
}

func (s *MemoryStore) notifyLocked(coll string) {
	for _, sub := range s.subs {
		if sub.q.Collection != coll {
			continue
		}
		snap := s.diffLocked(sub)
		if len(snap.Changes) > 0 {
			sub.queue.push(snap)
		}
	}
}

// diffLocked computes the subscription's next snapshot and records it as seen.
func (s *MemoryStore) diffLocked(sub *memSub) Snapshot {
	res := runQuery(s.docsLocked(sub.q.Collection), sub.q)
	snap := Snapshot{Docs: make([]Document, len(res))}
	seen := make(map[string]int64, len(res))
	for i, d := range res {
		doc := copyDoc(d.doc)
		snap.Docs[i] = doc
		seen[d.doc.ID] = d.rev
		prev, ok := sub.last[d.doc.ID]
		switch {
		case !ok:
			snap.Changes = append(snap.Changes, Change{Kind: Added, Doc: doc})
		case prev != d.rev:
			snap.Changes = append(snap.Changes, Change{Kind: Modified, Doc: doc})
		}
	}
	for id := range sub.last {
		if _, ok := seen[id]; !ok {
			snap.Changes = append(snap.Changes, Change{
				Kind: Removed,
				Doc:  Document{ID: id, Path: sub.q.Collection + "/" + id},
			})
		}
	}
	sub.last = seen
	return snap
}

func copyDoc(d Document) Document {
	return Document{ID: d.ID, Path: d.Path, Fields: cloneFields(d.Fields)}
}

// boundStore runs every MemoryStore operation as one caller.
type boundStore struct {
	*MemoryStore
	identity string
}

func (b *boundStore) ctx(ctx context.Context) context.Context {
	return WithCaller(ctx, b.identity)
}

func (b *boundStore) SignIn(ctx context.Context, identity string) (string, error) {
	if identity != b.identity {
		return "", fmt.Errorf("%w: bound to %q", ErrPermissionDenied, b.identity)
	}
	return b.MemoryStore.SignIn(ctx, identity)
}

func (b *boundStore) Add(ctx context.Context, collection string, data any) (string, error) {
	return b.MemoryStore.Add(b.ctx(ctx), collection, data)
}

func (b *boundStore) Set(ctx context.Context, path string, data any, opts ...SetOption) error {
	return b.MemoryStore.Set(b.ctx(ctx), path, data, opts...)
}

func (b *boundStore) Delete(ctx context.Context, path string) error {
	return b.MemoryStore.Delete(b.ctx(ctx), path)
}

func (b *boundStore) Increment(ctx context.Context, path, field string, delta int64) error {
	return b.MemoryStore.Increment(b.ctx(ctx), path, field, delta)
}

// Close on a bound view leaves the shared store running.
func (b *boundStore) Close() error { return nil }

// IsPermission reports whether err is a rules rejection.
func IsPermission(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsUnavailable reports whether err means the store cannot be reached.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
