package bridge

import (
	"context"
	"sync"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// Outcome tells how a completion request was resolved.
type Outcome int

const (
	Pending Outcome = iota
	// Answered: the engine replied.
	Answered
	// Superseded: a newer completion request replaced this one.
	Superseded
	// TimedOut: no reply within the completion timeout.
	TimedOut
	// EngineLost: the engine exited before replying.
	EngineLost
	// Closed: the session shut down.
	Closed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Answered:
		return "answered"
	case Superseded:
		return "superseded"
	case TimedOut:
		return "timed out"
	case EngineLost:
		return "engine lost"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Future is the result of a completion request. It resolves exactly once;
// every outcome other than Answered carries an empty list.
type Future struct {
	once    sync.Once
	done    chan struct{}
	items   []protocol.CompletionItem
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve reports whether this call was the one that resolved f.
func (f *Future) resolve(items []protocol.CompletionItem, outcome Outcome) bool {
	resolved := false
	f.once.Do(func() {
		if items == nil {
			items = []protocol.CompletionItem{}
		}
		f.items = items
		f.outcome = outcome
		resolved = true
		close(f.done)
	})
	return resolved
}

// Wait blocks until f resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]protocol.CompletionItem, error) {
	select {
	case <-f.done:
		return f.items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the items and outcome without blocking. The outcome is
// Pending until f resolves.
func (f *Future) Result() ([]protocol.CompletionItem, Outcome) {
	select {
	case <-f.done:
		return f.items, f.outcome
	default:
		return nil, Pending
	}
}
