package store

import (
	"sort"
	"sync"
	"time"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

type MemoryStore struct {
	mu          sync.RWMutex
	documents   map[string]Document
	diagnostics map[string][]protocol.Diagnostic
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]Document),
		diagnostics: make(map[string][]protocol.Diagnostic),
	}
}

func (m *MemoryStore) TrackDocument(uri, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.documents[uri] = Document{URI: uri, Content: content, Updated: time.Now()}
	return nil
}

func (m *MemoryStore) ForgetDocument(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.documents, uri)
	delete(m.diagnostics, uri)
	return nil
}

func (m *MemoryStore) Document(uri string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	doc, ok := m.documents[uri]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryStore) Documents() ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	docs := make([]Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs, nil
}

func (m *MemoryStore) ReplaceDiagnostics(uri string, diagnostics []protocol.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(diagnostics) == 0 {
		delete(m.diagnostics, uri)
		return nil
	}
	m.diagnostics[uri] = append([]protocol.Diagnostic(nil), diagnostics...)
	return nil
}

func (m *MemoryStore) Diagnostics(uri string) ([]protocol.Diagnostic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]protocol.Diagnostic{}, m.diagnostics[uri]...), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
