package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists the registry in a SQLite database so it can be
// inspected from outside the server.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL mode
// and applies the embedded schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// withTx runs fn inside a transaction.
func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) TrackDocument(uri, content string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            INSERT INTO documents (uri, content, updated) VALUES (?, ?, ?)
            ON CONFLICT(uri) DO UPDATE SET content = excluded.content, updated = excluded.updated
        `, uri, content, time.Now().UnixNano())
		return err
	})
}

func (s *SQLiteStore) ForgetDocument(uri string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM documents WHERE uri = ?`, uri); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM diagnostics WHERE uri = ?`, uri)
		return err
	})
}

func (s *SQLiteStore) Document(uri string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Document{}, ErrClosed
	}

	var doc Document
	var updated int64
	err := s.db.QueryRow(`SELECT uri, content, updated FROM documents WHERE uri = ?`, uri).
		Scan(&doc.URI, &doc.Content, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	doc.Updated = time.Unix(0, updated)
	return doc, nil
}

func (s *SQLiteStore) Documents() ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`SELECT uri, content, updated FROM documents ORDER BY uri`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var updated int64
		if err := rows.Scan(&doc.URI, &doc.Content, &updated); err != nil {
			return nil, err
		}
		doc.Updated = time.Unix(0, updated)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) ReplaceDiagnostics(uri string, diagnostics []protocol.Diagnostic) error {
	if len(diagnostics) == 0 {
		return s.withTx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM diagnostics WHERE uri = ?`, uri)
			return err
		})
	}

	data, err := json.Marshal(diagnostics)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            INSERT INTO diagnostics (uri, diagnostics) VALUES (?, ?)
            ON CONFLICT(uri) DO UPDATE SET diagnostics = excluded.diagnostics
        `, uri, string(data))
		return err
	})
}

func (s *SQLiteStore) Diagnostics(uri string) ([]protocol.Diagnostic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data string
	err := s.db.QueryRow(`SELECT diagnostics FROM diagnostics WHERE uri = ?`, uri).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []protocol.Diagnostic{}, nil
	}
	if err != nil {
		return nil, err
	}

	diagnostics := []protocol.Diagnostic{}
	if err := json.Unmarshal([]byte(data), &diagnostics); err != nil {
		return nil, fmt.Errorf("failed to decode diagnostics for %s: %w", uri, err)
	}
	return diagnostics, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
