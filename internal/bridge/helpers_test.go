package bridge_test

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"vrjls/internal/bridge"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// manualClock fires timers only when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(0, 0)}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) bridge.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that became due, in
// deadline order, on the calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeSender struct {
	mu    sync.Mutex
	lines []string
	fail  bool
}

func (s *fakeSender) Send(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("engine not running")
	}
	s.lines = append(s.lines, string(line))
	return nil
}

func (s *fakeSender) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type publication struct {
	uri         string
	diagnostics []protocol.Diagnostic
}

type fakePublisher struct {
	mu           sync.Mutex
	publications []publication
}

func (p *fakePublisher) PublishDiagnostics(uri string, diagnostics []protocol.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publications = append(p.publications, publication{uri: uri, diagnostics: diagnostics})
}

func (p *fakePublisher) all() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.publications...)
}

type fakeTracer struct {
	mu    sync.Mutex
	kinds []string
}

func (t *fakeTracer) Trace(kind string, _ any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds = append(t.kinds, kind)
}

func (t *fakeTracer) count(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range t.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	session   *bridge.Session
	clock     *manualClock
	sender    *fakeSender
	publisher *fakePublisher
	tracer    *fakeTracer
}

const debounce = 200 * time.Millisecond

func newHarness(t *testing.T, opts bridge.Options) *harness {
	t.Helper()
	h := &harness{
		clock:     newManualClock(),
		sender:    &fakeSender{},
		publisher: &fakePublisher{},
		tracer:    &fakeTracer{},
	}
	opts.Clock = h.clock
	opts.Tracer = h.tracer
	if opts.Debounce == 0 {
		opts.Debounce = debounce
	}
	if opts.ContextRange == 0 {
		opts.ContextRange = 20
	}
	h.session = bridge.NewSession(h.sender, h.publisher, opts)
	t.Cleanup(h.session.Close)
	return h
}

func position(line, character uint32) protocol.Position {
	return protocol.Position{Line: line, Character: character}
}

func mustResult(t *testing.T, f *bridge.Future, want bridge.Outcome) []protocol.CompletionItem {
	t.Helper()
	items, outcome := f.Result()
	if outcome != want {
		t.Fatalf("expected outcome %s, got %s", want, outcome)
	}
	return items
}
