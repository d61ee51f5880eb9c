package rendezvous

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists hub documents in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens or creates a SQLite database at the given path.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path    TEXT PRIMARY KEY,
		seq     INTEGER NOT NULL,
		fields  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_seq ON documents(seq);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Load returns every stored document in creation order.
func (b *SQLiteBackend) Load() ([]BackendDoc, error) {
	rows, err := b.db.Query(`SELECT path, seq, fields FROM documents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []BackendDoc
	for rows.Next() {
		var (
			d   BackendDoc
			raw string
		)
		if err := rows.Scan(&d.Path, &d.Seq, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.Fields); err != nil {
			// Skip malformed rows instead of failing the whole load
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Put inserts or replaces one document.
func (b *SQLiteBackend) Put(d BackendDoc) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = b.db.Exec(
		`INSERT INTO documents (path, seq, fields) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET fields = excluded.fields`,
		d.Path, d.Seq, string(raw),
	)
	return err
}

// Delete removes one document.
func (b *SQLiteBackend) Delete(path string) error {
	_, err := b.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
	return err
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
