// Package bridge turns editor events into engine messages and engine replies
// into editor effects.
//
// A Session holds the coalescing slots, the single outstanding completion and
// the diagnostics publisher. Every entry point takes the session lock, so
// editor callbacks, engine lines and timer fires are processed one at a time.
package bridge

import (
	"errors"
	"sync"
	"time"

	"vrjls/internal/codec"
	"vrjls/internal/store"

	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

var log = commonlog.GetLogger("vrjls.bridge")

// Sender delivers a framed line to the engine.
type Sender interface {
	Send(line []byte) error
}

// Publisher pushes a diagnostic set to the editor.
type Publisher interface {
	PublishDiagnostics(uri string, diagnostics []protocol.Diagnostic)
}

// Tracer observes bridge traffic. detail is JSON encodable.
type Tracer interface {
	Trace(kind string, detail any)
}

// Trace kinds.
const (
	TraceOutbound     = "outbound"
	TraceInbound      = "inbound"
	TraceParseFailure = "parse-failure"
	TraceWriteFailure = "write-failure"
	TraceDiagnostics  = "diagnostics"
	TraceCompletion   = "completion"
)

type CompletionTrace struct {
	Outcome string `json:"outcome"`
	Items   int    `json:"items"`
}

type FailureTrace struct {
	Line  string `json:"line,omitempty"`
	Error string `json:"error"`
}

type nopTracer struct{}

func (nopTracer) Trace(string, any) {}

type Options struct {
	// Debounce is the quiescence window before pending events are flushed.
	Debounce time.Duration
	// ContextRange is sent with every debounced edit as a hint for the engine.
	ContextRange int
	// CompletionTimeout resolves an unanswered completion with an empty list.
	// Zero waits until the next completion request.
	CompletionTimeout time.Duration

	Clock  Clock
	Store  store.Store
	Tracer Tracer
}

type Session struct {
	mu sync.Mutex

	sender      Sender
	diagnostics *DiagnosticsPublisher
	store       store.Store
	clock       Clock
	tracer      Tracer

	debounce          time.Duration
	contextRange      int
	completionTimeout time.Duration

	pendingEdit    *codec.EditPayload
	pendingSuggest *codec.SuggestPayload
	cursorLine     int
	flushTimer     Timer
	flushSeq       uint64

	outstanding      *Future
	outstandingTimer Timer

	closed bool
}

func NewSession(sender Sender, publisher Publisher, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Tracer == nil {
		opts.Tracer = nopTracer{}
	}

	return &Session{
		sender:            sender,
		diagnostics:       NewDiagnosticsPublisher(publisher, opts.Store, opts.Tracer),
		store:             opts.Store,
		clock:             opts.Clock,
		tracer:            opts.Tracer,
		debounce:          opts.Debounce,
		contextRange:      opts.ContextRange,
		completionTimeout: opts.CompletionTimeout,
		cursorLine:        -1,
	}
}

// DocumentOpened sends the document to the engine right away. Opens are not
// debounced.
func (s *Session) DocumentOpened(uri, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.restoreLocked(uri, text)
	s.trackLocked(uri, text)
	if s.pendingEdit != nil && s.pendingEdit.URI == uri {
		s.pendingEdit = nil
	}
	s.sendLocked(codec.NewEdit(codec.EditPayload{URI: uri, Content: text}))
}

// DocumentChanged records the new full text and restarts the quiescence
// window. Only the latest text is ever sent.
func (s *Session) DocumentChanged(uri, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.trackLocked(uri, text)
	line, contextRange := s.cursorLine, s.contextRange
	s.pendingEdit = &codec.EditPayload{
		URI:     uri,
		Content: text,
		Line:    &line,
		Range:   &contextRange,
	}
	s.rearmLocked()
}

// DocumentClosed stops tracking uri and clears its diagnostics.
func (s *Session) DocumentClosed(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.pendingEdit != nil && s.pendingEdit.URI == uri {
		s.pendingEdit = nil
	}
	s.diagnostics.Clear(uri)
	if err := s.store.ForgetDocument(uri); err != nil {
		log.Warningf("failed to forget %s: %v", uri, err)
	}
}

// RequestCompletion queues a suggest message and returns immediately. Any
// completion still outstanding is resolved empty first.
func (s *Session) RequestCompletion(uri string, position protocol.Position) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	future := newFuture()
	if s.closed {
		future.resolve(nil, Closed)
		return future
	}

	line := int(position.Line) + 1
	s.cursorLine = line
	s.pendingSuggest = &codec.SuggestPayload{
		Line: line,
		Char: int(position.Character),
		URI:  uri,
	}
	s.rearmLocked()

	s.resolveOutstandingLocked(nil, Superseded)
	s.outstanding = future
	if s.completionTimeout > 0 {
		s.outstandingTimer = s.clock.AfterFunc(s.completionTimeout, func() {
			s.expire(future)
		})
	}
	return future
}

// HandleLine processes one line printed by the engine. Lines that don't
// decode are logged and dropped.
func (s *Session) HandleLine(line []byte) {
	s.tracer.Trace(TraceInbound, string(line))

	reply, err := codec.Decode(line)
	if err != nil {
		log.Warningf("discarding engine output: %v", err)
		s.tracer.Trace(TraceParseFailure, FailureTrace{Line: string(line), Error: err.Error()})
		return
	}

	if reply.Empty() {
		log.Debugf("engine line carried neither edit nor suggest")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if reply.Edit != nil {
		s.diagnostics.Publish(*reply.Edit)
	}

	if reply.Suggest != nil {
		s.pendingSuggest = nil
		if !s.resolveOutstandingLocked(reply.Suggest.Suggestions, Answered) {
			log.Debugf("discarding suggest reply with no outstanding request")
		}
	}
}

// EngineLost resolves the outstanding completion, whose reply will never
// come.
func (s *Session) EngineLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveOutstandingLocked(nil, EngineLost)
}

// Resync sends the full text of every tracked document, for a freshly
// started engine.
func (s *Session) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	docs, err := s.store.Documents()
	if err != nil {
		log.Errorf("failed to list documents for resync: %v", err)
		return
	}
	log.Infof("resyncing %d documents", len(docs))
	for _, doc := range docs {
		s.sendLocked(codec.NewEdit(codec.EditPayload{URI: doc.URI, Content: doc.Content}))
	}
}

// Close drops pending events and resolves the outstanding completion. The
// session ignores everything afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.pendingEdit = nil
	s.pendingSuggest = nil
	s.resolveOutstandingLocked(nil, Closed)
}

func (s *Session) rearmLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushSeq++
	seq := s.flushSeq
	s.flushTimer = s.clock.AfterFunc(s.debounce, func() {
		s.flush(seq)
	})
}

// flush sends whatever is pending. seq guards against a timer that fired
// while being replaced.
func (s *Session) flush(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.flushSeq {
		return
	}
	s.flushTimer = nil

	if s.pendingEdit != nil {
		edit := *s.pendingEdit
		s.pendingEdit = nil
		s.sendLocked(codec.NewEdit(edit))
	}
	if s.pendingSuggest != nil {
		suggest := *s.pendingSuggest
		s.pendingSuggest = nil
		s.sendLocked(codec.NewSuggest(suggest))
	}
}

func (s *Session) expire(future *Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding != future {
		return
	}
	log.Warningf("completion request timed out after %s", s.completionTimeout)
	s.resolveOutstandingLocked(nil, TimedOut)
}

// resolveOutstandingLocked resolves and clears the outstanding completion.
// Returns false when there was none.
func (s *Session) resolveOutstandingLocked(items []protocol.CompletionItem, outcome Outcome) bool {
	if s.outstanding == nil {
		return false
	}
	if s.outstandingTimer != nil {
		s.outstandingTimer.Stop()
		s.outstandingTimer = nil
	}

	future := s.outstanding
	s.outstanding = nil
	future.resolve(items, outcome)

	log.Debugf("completion %s with %d items", outcome, len(items))
	s.tracer.Trace(TraceCompletion, CompletionTrace{Outcome: outcome.String(), Items: len(items)})
	return true
}

// sendLocked encodes and writes msg. Failures are logged, never returned: a
// lost message only costs one interaction.
func (s *Session) sendLocked(msg codec.Message) {
	line, err := codec.Encode(msg)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	if err := s.sender.Send(line); err != nil {
		log.Warningf("dropping %s message: %v", msg.Type, err)
		s.tracer.Trace(TraceWriteFailure, FailureTrace{Error: err.Error()})
		return
	}
	s.tracer.Trace(TraceOutbound, string(line))
}

// restoreLocked shows the diagnostics recorded for uri right away when the
// document comes back with the text the store last saw, typically from a
// persistent store after a restart of the editor. The engine's own reply
// replaces them shortly after.
func (s *Session) restoreLocked(uri, text string) {
	doc, err := s.store.Document(uri)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warningf("failed to look up %s: %v", uri, err)
		}
		return
	}
	if doc.Content == text {
		s.diagnostics.Restore(uri)
	}
}

func (s *Session) trackLocked(uri, text string) {
	if err := s.store.TrackDocument(uri, text); err != nil {
		log.Warningf("failed to track %s: %v", uri, err)
	}
}
