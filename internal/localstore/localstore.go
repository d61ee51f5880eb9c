// Package localstore is the device-local key/value persistence: JSON values by
// string key in a single bbolt file. It never fails loudly. Reads fall back to
// the caller's default and writes that cannot be stored are dropped.
package localstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("local")

// Store wraps a bbolt database. A Store whose database could not be opened
// behaves as an always-empty store.
type Store struct {
	db  *bolt.DB
	log zerolog.Logger
}

// Open opens or creates the database at path.
func Open(path string, log zerolog.Logger) *Store {
	s := &Store{log: log}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("local storage unavailable")
		return s
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("local storage unavailable")
		return s
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		log.Warn().Err(err).Msg("local storage unavailable")
		return s
	}
	s.db = db
	return s
}

// Available reports whether writes will be kept.
func (s *Store) Available() bool {
	return s != nil && s.db != nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if !s.Available() {
		return nil
	}
	return s.db.Close()
}

// Set stores value under key as JSON. Failures are logged and dropped.
func (s *Store) Set(key string, value any) {
	if !s.Available() {
		return
	}
	b, err := json.Marshal(value)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("local value not serializable")
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), b)
	}); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("local write dropped")
	}
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(key string) {
	if !s.Available() {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *Store) raw(key string) []byte {
	if !s.Available() {
		return nil
	}
	var out []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out
}

// Get decodes the value stored under key, or returns def when the key is
// missing, unreadable, or malformed.
func Get[T any](s *Store, key string, def T) T {
	b := s.raw(key)
	if len(b) == 0 {
		return def
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return def
	}
	return v
}
