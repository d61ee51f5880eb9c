package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

func newStore(t *testing.T) *rendezvous.MemoryStore {
	t.Helper()
	s, err := rendezvous.NewMemoryStore(rendezvous.MemoryOptions{Rules: rendezvous.DefaultRules, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSync(t *testing.T, store *rendezvous.MemoryStore, identity string) *Synchronizer {
	t.Helper()
	s := New(store.As(identity), identity, Options{Log: zerolog.Nop()})
	t.Cleanup(s.Close)
	return s
}

type feed struct {
	mu    sync.Mutex
	snaps [][]Message
}

func (f *feed) on(msgs []Message) {
	f.mu.Lock()
	f.snaps = append(f.snaps, msgs)
	f.mu.Unlock()
}

func (f *feed) waitFor(t *testing.T, cond func([]Message) bool) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var last []Message
		if n := len(f.snaps); n > 0 {
			last = f.snaps[n-1]
		}
		f.mu.Unlock()
		if last != nil && cond(last) {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("feed condition not met before deadline")
	return nil
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]string{
		"  lobby ":   "lobby",
		"a//b":       "a-b",
		"/../x":      "x",
		"":           "",
		"   ":        "",
		"/":          "",
		"late-night": "late-night",
	}
	for in, want := range cases {
		if got := NormalizeID(in); got != want {
			t.Errorf("NormalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSendEchoesAsLocalUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newSync(t, store, "alice")

	var f feed
	if err := alice.Subscribe(ctx, "lobby", f.on); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id, err := alice.Send(ctx, Outgoing{RoomID: "lobby", Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := f.waitFor(t, func(m []Message) bool { return len(m) == 1 })
	got := msgs[0]
	if got.ID != id || got.Content != "hello" || got.Role != RoleLocal {
		t.Errorf("unexpected echo: %+v", got)
	}
	if got.Metadata != nil {
		t.Errorf("no metadata was sent, got %+v", got.Metadata)
	}
	if got.Unstamped {
		t.Error("store assigns createdAt on write")
	}
}

func TestRemoteRoleAndOrder(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	store, err := rendezvous.NewMemoryStore(rendezvous.MemoryOptions{
		Rules: rendezvous.DefaultRules,
		Log:   zerolog.Nop(),
		Now: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	alice := newSync(t, store, "alice")
	bob := newSync(t, store, "bob")

	if _, err := bob.Send(ctx, Outgoing{RoomID: "lobby", Text: "hola", Metadata: &Metadata{SourceLanguage: "es"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(ctx, Outgoing{RoomID: "lobby", Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	var f feed
	if err := alice.Subscribe(ctx, "lobby", f.on); err != nil {
		t.Fatal(err)
	}
	msgs := f.waitFor(t, func(m []Message) bool { return len(m) == 2 })
	if msgs[0].Content != "hola" || msgs[0].Role != RoleRemote {
		t.Errorf("first entry: %+v", msgs[0])
	}
	if msgs[0].Metadata == nil || msgs[0].Metadata.SourceLanguage != "es" {
		t.Errorf("metadata lost: %+v", msgs[0].Metadata)
	}
	if msgs[1].Content != "hi" || msgs[1].Role != RoleLocal {
		t.Errorf("second entry: %+v", msgs[1])
	}
}

func TestWindowKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := New(store.As("alice"), "alice", Options{Window: 2, Log: zerolog.Nop()})
	t.Cleanup(alice.Close)
	for _, text := range []string{"one", "two", "three"} {
		if _, err := alice.Send(ctx, Outgoing{RoomID: "r", Text: text}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	var f feed
	if err := alice.Subscribe(ctx, "r", f.on); err != nil {
		t.Fatal(err)
	}
	msgs := f.waitFor(t, func(m []Message) bool { return len(m) == 2 })
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("window = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestUnstampedEntryUsesNow(t *testing.T) {
	fixed := time.Unix(42, 0)
	s := New(nil, "alice", Options{Now: func() time.Time { return fixed }})
	msgs := s.translate([]rendezvous.Document{{ID: "m1", Fields: map[string]any{"senderId": "bob", "text": "x"}}})
	if !msgs[0].Unstamped || !msgs[0].CreatedAt.Equal(fixed) {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestSendPermissionDenied(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	// Writes as bob while claiming to be alice.
	s := New(store.As("bob"), "alice", Options{Log: zerolog.Nop()})
	_, err := s.Send(ctx, Outgoing{RoomID: "lobby", Text: "spoof"})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("want ErrPermission, got %v", err)
	}
	if !errors.Is(err, rendezvous.ErrPermissionDenied) {
		t.Error("store error should stay in the chain")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Error("permission failure must not look like a connectivity failure")
	}
}

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	s := New(nil, "alice", Options{})
	if _, err := s.Send(ctx, Outgoing{RoomID: "lobby", Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send: %v", err)
	}
	if err := s.JoinRoomPresence(ctx, "lobby"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("join: %v", err)
	}

	store := newStore(t)
	closed := New(store.As("alice"), "alice", Options{Log: zerolog.Nop()})
	store.Close()
	if _, err := closed.Send(ctx, Outgoing{RoomID: "lobby", Text: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("closed store: %v", err)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newSync(t, store, "alice")
	alice.Unsubscribe("never-subscribed")

	var f feed
	if err := alice.Subscribe(ctx, "lobby", f.on); err != nil {
		t.Fatal(err)
	}
	f.waitFor(t, func(m []Message) bool { return len(m) == 0 })
	alice.Unsubscribe("lobby")
	alice.Unsubscribe("lobby")

	f.mu.Lock()
	before := len(f.snaps)
	f.mu.Unlock()
	if _, err := alice.Send(ctx, Outgoing{RoomID: "lobby", Text: "after"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	f.mu.Lock()
	after := len(f.snaps)
	f.mu.Unlock()
	if after != before {
		t.Errorf("snapshots after unsubscribe: %d -> %d", before, after)
	}
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newSync(t, store, "alice")
	bob := newSync(t, store, "bob")

	id, err := CreatePublicRoom(ctx, store.As("alice"), "late night", "group_3")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var mu sync.Mutex
	var counts []int
	if err := alice.SubscribePresence(ctx, id, func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	waitCount := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := -1
			if len(counts) > 0 {
				n = counts[len(counts)-1]
			}
			mu.Unlock()
			if n == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("presence never reached %d", want)
	}
	waitCount(0)

	if err := alice.JoinRoomPresence(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := alice.JoinRoomPresence(ctx, id); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if err := bob.JoinRoomPresence(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitCount(2)

	if err := bob.LeavePresence(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitCount(1)

	mu.Lock()
	for _, n := range counts {
		if n < 0 {
			t.Errorf("negative count %d", n)
		}
	}
	mu.Unlock()

	n, err := PresenceCount(ctx, store, id)
	if err != nil || n != 1 {
		t.Errorf("PresenceCount = %d, %v", n, err)
	}

	rooms, err := ListPublicRooms(ctx, store, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].Topic != "late night" || rooms[0].Mode != "group_3" {
		t.Fatalf("rooms = %+v", rooms)
	}
	// Three joins, no decrements.
	if rooms[0].ActiveUsers != 3 {
		t.Errorf("active users = %d, want 3", rooms[0].ActiveUsers)
	}
}

func TestJoinPresenceWithoutListing(t *testing.T) {
	store := newStore(t)
	alice := newSync(t, store, "alice")
	if err := alice.JoinRoomPresence(context.Background(), "private-room"); err != nil {
		t.Fatalf("join without listing: %v", err)
	}
}

func TestListPublicRoomsClampsCounter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.Set(ctx, "public_rooms/r1", map[string]any{"topic": "x", "activeUsers": -3, "createdAt": 1}); err != nil {
		t.Fatal(err)
	}
	rooms, err := ListPublicRooms(ctx, store, 5)
	if err != nil {
		t.Fatal(err)
	}
	if rooms[0].ActiveUsers != 0 {
		t.Errorf("active users = %d", rooms[0].ActiveUsers)
	}
}
