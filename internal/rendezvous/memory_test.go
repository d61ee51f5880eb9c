package rendezvous

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, opts MemoryOptions) *MemoryStore {
	t.Helper()
	opts.Log = zerolog.Nop()
	s, err := NewMemoryStore(opts)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects snapshots delivered to a subscription.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) fn(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) waitFor(t *testing.T, cond func([]Snapshot) bool) []Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		snaps := append([]Snapshot(nil), r.snaps...)
		r.mu.Unlock()
		if cond(snaps) {
			return snaps
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
	return nil
}

func TestSetGetMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})

	if err := s.Set(ctx, "rooms/r1", map[string]any{"topic": "late night", "activeUsers": 0}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "rooms/r1", map[string]any{"mode": "1:1"}, Merge()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	doc, err := s.Get(ctx, "rooms/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields["topic"] != "late night" || doc.Fields["mode"] != "1:1" {
		t.Errorf("merge lost fields: %v", doc.Fields)
	}

	if err := s.Set(ctx, "rooms/r1", map[string]any{"mode": "group_3"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	doc, _ = s.Get(ctx, "rooms/r1")
	if _, ok := doc.Fields["topic"]; ok {
		t.Error("plain set should replace the document")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, MemoryOptions{})
	_, err := s.Get(context.Background(), "rooms/none")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	if err := s.Set(ctx, "rooms", map[string]any{}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for collection path, got %v", err)
	}
	if _, err := s.Add(ctx, "rooms/r1", map[string]any{}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for document path, got %v", err)
	}
	if _, err := s.Get(ctx, "rooms//x/y"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for empty segment, got %v", err)
	}
}

func TestServerTimestamp(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	s := newTestStore(t, MemoryOptions{Now: func() time.Time { return fixed }})
	ctx := context.Background()

	id, err := s.Add(ctx, "rooms/r1/messages", map[string]any{
		"text":      "hi",
		"createdAt": ServerTimestamp,
		"metadata":  map[string]any{"seenAt": ServerTimestamp},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	doc, _ := s.Get(ctx, "rooms/r1/messages/"+id)
	if doc.Fields["createdAt"] != float64(fixed.UnixMilli()) {
		t.Errorf("createdAt not resolved: %v", doc.Fields["createdAt"])
	}
	meta := doc.Fields["metadata"].(map[string]any)
	if meta["seenAt"] != float64(fixed.UnixMilli()) {
		t.Errorf("nested timestamp not resolved: %v", meta["seenAt"])
	}
}

func TestQueryFilterOrderLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	for i, to := range []string{"b", "a", "b", "b"} {
		if _, err := s.Add(ctx, "ch/c1/signals", map[string]any{"to": to, "createdAt": 100 - i}); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := s.Query(ctx, Query{
		Collection: "ch/c1/signals",
		Where:      []Filter{{Field: "to", Value: "b"}},
		OrderBy:    "createdAt",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	if docs[0].Fields["createdAt"] != float64(97) || docs[2].Fields["createdAt"] != float64(100) {
		t.Errorf("unexpected order: %v, %v", docs[0].Fields, docs[2].Fields)
	}

	last, _ := s.Query(ctx, Query{Collection: "ch/c1/signals", OrderBy: "createdAt", Limit: 2, LimitToLast: true})
	if len(last) != 2 || last[1].Fields["createdAt"] != float64(100) {
		t.Errorf("limit to last returned %v", last)
	}

	first, _ := s.Query(ctx, Query{Collection: "ch/c1/signals", OrderBy: "createdAt", Desc: true, Limit: 1})
	if len(first) != 1 || first[0].Fields["createdAt"] != float64(100) {
		t.Errorf("desc limit returned %v", first)
	}
}

func TestMissingOrderFieldSortsLast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	s.Set(ctx, "r/x/messages/pending", map[string]any{"text": "late"})
	s.Set(ctx, "r/x/messages/old", map[string]any{"text": "early", "createdAt": 5})

	docs, _ := s.Query(ctx, Query{Collection: "r/x/messages", OrderBy: "createdAt"})
	if len(docs) != 2 || docs[0].ID != "old" || docs[1].ID != "pending" {
		t.Errorf("expected pending timestamp last, got %v", docs)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	if err := s.Increment(ctx, "public_rooms/none", "activeUsers", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on missing doc, got %v", err)
	}
	s.Set(ctx, "public_rooms/p1", map[string]any{"topic": "x"})
	for i := 0; i < 3; i++ {
		if err := s.Increment(ctx, "public_rooms/p1", "activeUsers", 1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	doc, _ := s.Get(ctx, "public_rooms/p1")
	if doc.Fields["activeUsers"] != float64(3) || doc.Fields["topic"] != "x" {
		t.Errorf("unexpected fields after increment: %v", doc.Fields)
	}
}

func TestSubscribeChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	s.Set(ctx, "ch/c1/participants/alice", map[string]any{"userId": "alice"})

	rec := &recorder{}
	cancel, err := s.Subscribe(ctx, Query{Collection: "ch/c1/participants"}, rec.fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	s.Set(ctx, "ch/c1/participants/bob", map[string]any{"userId": "bob"})
	s.Set(ctx, "ch/c1/participants/alice", map[string]any{"lastSeen": 1}, Merge())
	s.Delete(ctx, "ch/c1/participants/bob")
	// Writes to other collections do not wake the subscription.
	s.Set(ctx, "ch/c2/participants/carol", map[string]any{"userId": "carol"})

	snaps := rec.waitFor(t, func(s []Snapshot) bool { return len(s) >= 4 })
	want := []ChangeKind{Added, Added, Modified, Removed}
	for i, kind := range want {
		if len(snaps[i].Changes) != 1 || snaps[i].Changes[0].Kind != kind {
			t.Fatalf("snapshot %d: expected one %s change, got %+v", i, kind, snaps[i].Changes)
		}
	}
	if snaps[3].Changes[0].Doc.ID != "bob" || len(snaps[3].Docs) != 1 {
		t.Errorf("unexpected removal snapshot: %+v", snaps[3])
	}
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps) != 4 {
		t.Errorf("expected exactly 4 snapshots, got %d", len(rec.snaps))
	}
}

func TestInitialSnapshotDeliveredWhenEmpty(t *testing.T) {
	s := newTestStore(t, MemoryOptions{})
	rec := &recorder{}
	cancel, _ := s.Subscribe(context.Background(), Query{Collection: "rooms/r/participants"}, rec.fn)
	defer cancel()
	snaps := rec.waitFor(t, func(s []Snapshot) bool { return len(s) == 1 })
	if len(snaps[0].Docs) != 0 {
		t.Errorf("expected empty initial snapshot, got %v", snaps[0].Docs)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{})
	rec := &recorder{}
	cancel, _ := s.Subscribe(ctx, Query{Collection: "a"}, rec.fn)
	rec.waitFor(t, func(s []Snapshot) bool { return len(s) == 1 })
	cancel()
	cancel()
	s.Set(ctx, "a/x", map[string]any{"v": 1})
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps) != 1 {
		t.Errorf("expected no delivery after cancel, got %d snapshots", len(rec.snaps))
	}
}

func TestRulesRejectImpersonation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, MemoryOptions{Rules: DefaultRules})
	alice := s.As("alice")

	_, err := alice.Add(ctx, "rooms/r1/messages", map[string]any{"senderId": "bob", "text": "hi"})
	if !IsPermission(err) {
		t.Errorf("expected permission error, got %v", err)
	}
	if _, err := alice.Add(ctx, "rooms/r1/messages", map[string]any{"senderId": "alice", "text": "hi"}); err != nil {
		t.Errorf("own message rejected: %v", err)
	}
	if err := alice.Set(ctx, "rooms/r1/participants/bob", map[string]any{}); !IsPermission(err) {
		t.Errorf("expected permission error for foreign participant, got %v", err)
	}
	if _, err := alice.Add(ctx, "ch/c/signals", map[string]any{"from": "bob", "to": "alice"}); !IsPermission(err) {
		t.Errorf("expected permission error for forged signal, got %v", err)
	}

	id, _ := s.As("bob").Add(ctx, "ch/c/signals", map[string]any{"from": "bob", "to": "alice"})
	if err := s.As("carol").Delete(ctx, "ch/c/signals/"+id); !IsPermission(err) {
		t.Errorf("non-target consumed signal: %v", err)
	}
	if err := alice.Delete(ctx, "ch/c/signals/"+id); err != nil {
		t.Errorf("target could not consume signal: %v", err)
	}
	// Trusted in-process writes carry no caller.
	if _, err := s.Add(ctx, "rooms/r1/messages", map[string]any{"senderId": "anyone"}); err != nil {
		t.Errorf("trusted write rejected: %v", err)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := newTestStore(t, MemoryOptions{})
	s.Close()
	if _, err := s.Get(context.Background(), "a/b"); !IsUnavailable(err) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSQLiteBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hub.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	s, err := NewMemoryStore(MemoryOptions{Backend: b, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	first, _ := s.Add(ctx, "rooms/r1/messages", map[string]any{"text": "one"})
	second, _ := s.Add(ctx, "rooms/r1/messages", map[string]any{"text": "two"})
	s.Set(ctx, "rooms/r1/messages/"+first, map[string]any{"edited": true}, Merge())
	s.Set(ctx, "tmp/x", map[string]any{})
	s.Delete(ctx, "tmp/x")
	s.Close()

	b2, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	s2, err := NewMemoryStore(MemoryOptions{Backend: b2, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer s2.Close()

	docs, _ := s2.Query(ctx, Query{Collection: "rooms/r1/messages"})
	if len(docs) != 2 || docs[0].ID != first || docs[1].ID != second {
		t.Fatalf("expected creation order preserved, got %v", docs)
	}
	if docs[0].Fields["edited"] != true || docs[0].Fields["text"] != "one" {
		t.Errorf("merged fields not persisted: %v", docs[0].Fields)
	}
	if _, err := s2.Get(ctx, "tmp/x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted doc came back: %v", err)
	}
	// New ids keep sorting after reloaded ones.
	third, _ := s2.Add(ctx, "rooms/r1/messages", map[string]any{"text": "three"})
	docs, _ = s2.Query(ctx, Query{Collection: "rooms/r1/messages"})
	if docs[len(docs)-1].ID != third {
		t.Errorf("expected new doc last, got %v", docs)
	}
}
