// Package rendezvous is the shared, subscribable document store used for
// room chat feeds, presence and mesh signaling.
//
// Documents live at slash-separated paths: a collection path has an odd
// number of segments ("rooms/r1/messages") and a document path an even number
// ("rooms/r1/messages/m1"). Field values are JSON values; numbers read back as
// float64.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("rendezvous: not found")
	// ErrPermissionDenied is returned when the store's rules reject a write.
	ErrPermissionDenied = errors.New("rendezvous: permission denied")
	// ErrUnavailable is returned when the store is not initialized or the
	// connection to it was lost.
	ErrUnavailable = errors.New("rendezvous: unavailable")
	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("rendezvous: invalid path")
)

// ServerTimestamp is a field value replaced by the store's clock (Unix
// milliseconds) when the write is applied.
const ServerTimestamp = "__server_timestamp__"

// Store is the capability set every peer relies on.
type Store interface {
	// SignIn registers identity as the caller of subsequent operations and
	// returns the identity the store will attribute writes to.
	SignIn(ctx context.Context, identity string) (string, error)

	// Add creates a document with a generated, time-sortable id.
	Add(ctx context.Context, collection string, data any) (string, error)

	// Set writes a document, replacing it unless Merge is given.
	Set(ctx context.Context, path string, data any, opts ...SetOption) error

	Get(ctx context.Context, path string) (Document, error)
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query) ([]Document, error)

	// Increment atomically adds delta to a numeric field of an existing document.
	Increment(ctx context.Context, path, field string, delta int64) error

	// Subscribe delivers the query's current result and every later change,
	// in order, until the returned cancel func is called.
	Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (func(), error)

	Close() error
}

// SetOption changes how Set applies data.
type SetOption func(*setOptions)

type setOptions struct {
	merge bool
}

// Merge keeps fields of the existing document that data does not mention.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Filter is an equality predicate on one field.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query selects documents of one collection.
type Query struct {
	Collection string   `json:"collection"`
	Where      []Filter `json:"where,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Desc       bool     `json:"desc,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	// LimitToLast keeps the last Limit documents of the ordered result.
	LimitToLast bool `json:"limit_to_last,omitempty"`
}

// Document is one stored record.
type Document struct {
	ID     string         `json:"id"`
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// DataTo decodes the document fields into v.
func (d Document) DataTo(v any) error {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ChangeKind tells what happened to a document between two snapshots.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is a per-document notification.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// Snapshot is the full ordered query result plus what changed since the
// previous snapshot of the same subscription.
type Snapshot struct {
	Docs    []Document `json:"docs"`
	Changes []Change   `json:"changes"`
}

// Doc joins path segments.
func Doc(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath returns the collection and id of a document path.
func SplitPath(path string) (collection, id string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

func validCollection(collection string) error {
	segs := strings.Split(collection, "/")
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, collection)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, collection)
		}
	}
	return nil
}

type callerKey struct{}

// WithCaller tags ctx with the identity performing store operations.
func WithCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callerKey{}, identity)
}

// CallerFrom returns the identity set by WithCaller, or "".
func CallerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}
