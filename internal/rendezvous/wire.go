package rendezvous

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a client->hub frame.
type Request struct {
	ID         int64           `json:"id"`
	Op         string          `json:"op"` // signIn, add, set, get, delete, query, increment, subscribe, unsubscribe
	Identity   string          `json:"identity,omitempty"`
	Path       string          `json:"path,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Merge      bool            `json:"merge,omitempty"`
	Field      string          `json:"field,omitempty"`
	Delta      int64           `json:"delta,omitempty"`
	Query      *Query          `json:"query,omitempty"`
	Sub        int64           `json:"sub,omitempty"`
}

// Response answers exactly one Request, or pushes a snapshot when Sub is set
// and ID is zero.
type Response struct {
	ID       int64      `json:"id,omitempty"`
	Code     string     `json:"code,omitempty"` // empty on success
	Error    string     `json:"error,omitempty"`
	Identity string     `json:"identity,omitempty"`
	DocID    string     `json:"doc_id,omitempty"`
	Doc      *Document  `json:"doc,omitempty"`
	Docs     []Document `json:"docs,omitempty"`
	Sub      int64      `json:"sub,omitempty"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
}

// Wire error codes.
const (
	CodeNotFound         = "not-found"
	CodePermissionDenied = "permission-denied"
	CodeUnavailable      = "unavailable"
	CodeInvalidArgument  = "invalid-argument"
	CodeInternal         = "internal"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidPath):
		return CodeInvalidArgument
	}
	return CodeInternal
}

// errorFromWire rebuilds an error whose sentinel matches code.
func errorFromWire(code, msg string) error {
	var base error
	switch code {
	case "":
		return nil
	case CodeNotFound:
		base = ErrNotFound
	case CodePermissionDenied:
		base = ErrPermissionDenied
	case CodeUnavailable:
		base = ErrUnavailable
	case CodeInvalidArgument:
		base = ErrInvalidPath
	default:
		return fmt.Errorf("rendezvous: %s", msg)
	}
	return fmt.Errorf("%w (%s)", base, msg)
}
