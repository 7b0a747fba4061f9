// Package store keeps track of the documents the editor has open and the
// diagnostics last published for them. The document texts are what gets
// replayed to a restarted engine.
package store

import (
	"errors"
	"time"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

var (
	// ErrNotFound is returned when a requested document isn't tracked.
	ErrNotFound = errors.New("document not tracked")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store is closed")
)

// Document is the latest full text known for a URI.
type Document struct {
	URI     string
	Content string
	Updated time.Time
}

type Store interface {
	// TrackDocument records the full text of uri, replacing what was there.
	TrackDocument(uri, content string) error
	// ForgetDocument drops uri together with its diagnostics.
	ForgetDocument(uri string) error
	Document(uri string) (Document, error)
	// Documents returns every tracked document ordered by URI.
	Documents() ([]Document, error)

	// ReplaceDiagnostics swaps the whole diagnostic set of uri.
	ReplaceDiagnostics(uri string, diagnostics []protocol.Diagnostic) error
	Diagnostics(uri string) ([]protocol.Diagnostic, error)

	Close() error
}

// Open returns a SQLite backed store for path, or an in-memory one when path
// is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}
