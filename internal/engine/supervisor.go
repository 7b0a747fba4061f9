// Package engine runs the external analysis engine and keeps it alive.
//
// The engine talks newline delimited text over stdin/stdout. The first line
// it prints after every launch is a readiness marker and is swallowed here;
// every later line goes to the LineHandler in the order it was printed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"vrjls/internal/codec"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("vrjls.engine")

// State of the supervisor.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateRestarting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes the engine executable and the restart policy.
type Config struct {
	Command string
	Args    []string

	// MaxLineBytes bounds a single output line; longer lines are dropped.
	MaxLineBytes int

	// MaxRestarts is the number of restarts allowed inside ResetWindow.
	// Zero disables restarting.
	MaxRestarts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	ResetWindow       time.Duration

	// ExitTimeout bounds how long Shutdown waits for the exit command to be
	// accepted and for the engine to leave before it is killed.
	ExitTimeout time.Duration
	// KillTimeout bounds how long Shutdown waits for the killed process.
	KillTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxLineBytes:      1024 * 1024,
		MaxRestarts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       5 * time.Minute,
		ExitTimeout:       500 * time.Millisecond,
		KillTimeout:       2 * time.Second,
	}
}

// EventType identifies a lifecycle event.
type EventType int

const (
	// EventStarted: a process was launched.
	EventStarted EventType = iota
	// EventReady: the process printed its readiness line.
	EventReady
	// EventExited: the process went away without being asked to.
	EventExited
	// EventRestarting: a restart is scheduled after NextRetry.
	EventRestarting
	// EventFailed: restarts are exhausted.
	EventFailed
	// EventStopped: Shutdown finished.
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventReady:
		return "ready"
	case EventExited:
		return "exited"
	case EventRestarting:
		return "restarting"
	case EventFailed:
		return "failed"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event describes a change in the engine lifecycle. Generation identifies the
// process the event belongs to; it changes on every launch.
type Event struct {
	Type       EventType
	Generation string
	Err        error
	Attempt    int
	NextRetry  time.Duration
}

// Handlers receive engine output. Both are called from supervisor goroutines,
// never while the supervisor holds its own lock, so they may call Send.
type Handlers struct {
	Line  func(line []byte)
	Event func(Event)
}

type process struct {
	cmd        *exec.Cmd
	generation string

	writeMu sync.Mutex
	stdin   io.WriteCloser

	exited chan struct{}
	err    error // valid once exited is closed
}

func (p *process) write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(line)
	return err
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Supervisor owns the engine process.
type Supervisor struct {
	config   Config
	handlers Handlers

	mu           sync.Mutex
	proc         *process
	restartCount int
	lastStart    time.Time

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

func NewSupervisor(config Config, handlers Handlers) *Supervisor {
	defaults := DefaultConfig()
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = defaults.MaxLineBytes
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.ExitTimeout <= 0 {
		config.ExitTimeout = defaults.ExitTimeout
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = defaults.KillTimeout
	}

	s := &Supervisor{
		config:   config,
		handlers: handlers,
	}
	s.state.Store(int32(StateIdle))
	return s
}

// Start launches the engine. A launch failure is returned as *LaunchError and
// is not retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch State(s.state.Load()) {
	case StateIdle:
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	p, err := s.spawnLocked()
	if err != nil {
		s.state.Store(int32(StateFailed))
		s.mu.Unlock()
		return err
	}
	s.state.Store(int32(StateRunning))
	s.mu.Unlock()

	s.emit(Event{Type: EventStarted, Generation: p.generation})
	go s.monitor()
	return nil
}

// spawnLocked launches a new process generation. Must hold mu.
func (s *Supervisor) spawnLocked() (*process, error) {
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Command: s.config.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &LaunchError{Command: s.config.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, &LaunchError{Command: s.config.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, &LaunchError{Command: s.config.Command, Err: err}
	}

	p := &process{
		cmd:        cmd,
		generation: uuid.NewString(),
		stdin:      stdin,
		exited:     make(chan struct{}),
	}
	log.Infof("engine %s started (pid %d, generation %s)", s.config.Command, cmd.Process.Pid, p.generation)

	go func() {
		var g errgroup.Group
		g.Go(func() error {
			return s.readStdout(p, stdout)
		})
		g.Go(func() error {
			return readLines(stderr, s.config.MaxLineBytes, func(line []byte) {
				log.Debugf("engine stderr: %s", line)
			})
		})
		readErr := g.Wait()
		waitErr := cmd.Wait()
		p.err = errors.Join(waitErr, readErr)
		close(p.exited)
	}()

	s.proc = p
	s.lastStart = time.Now()
	return p, nil
}

func (s *Supervisor) readStdout(p *process, stdout io.Reader) error {
	ready := false
	return readLines(stdout, s.config.MaxLineBytes, func(line []byte) {
		if !ready {
			ready = true
			log.Debugf("engine ready: %s", line)
			s.emit(Event{Type: EventReady, Generation: p.generation})
			return
		}
		if s.handlers.Line != nil {
			s.handlers.Line(line)
		}
	})
}

// Send writes one already framed line to the engine.
func (s *Supervisor) Send(line []byte) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()

	if p == nil || !p.alive() {
		return ErrNotRunning
	}
	if err := p.write(line); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}

// monitor waits for each process generation to exit and applies the restart
// policy.
func (s *Supervisor) monitor() {
	for {
		s.mu.Lock()
		p := s.proc
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		case <-p.exited:
		}

		if State(s.state.Load()) == StateStopped {
			return
		}

		log.Warningf("engine generation %s exited: %v", p.generation, p.err)
		s.emit(Event{Type: EventExited, Generation: p.generation, Err: p.err})

		if !s.restart(p.err) {
			return
		}
	}
}

// restart relaunches the engine with backoff. Returns false once the policy
// gives up or the supervisor is stopped.
func (s *Supervisor) restart(exitErr error) bool {
	for {
		s.mu.Lock()
		if State(s.state.Load()) == StateStopped {
			s.mu.Unlock()
			return false
		}

		if time.Since(s.lastStart) > s.config.ResetWindow {
			s.restartCount = 0
		}
		s.restartCount++
		attempt := s.restartCount

		if attempt > s.config.MaxRestarts {
			s.state.Store(int32(StateFailed))
			s.mu.Unlock()
			log.Errorf("engine failed permanently after %d restarts: %v", attempt-1, exitErr)
			s.emit(Event{Type: EventFailed, Err: exitErr, Attempt: attempt})
			return false
		}

		delay := CalculateBackoff(attempt, s.config.InitialBackoff, s.config.MaxBackoff, s.config.BackoffMultiplier)
		s.state.Store(int32(StateRestarting))
		s.mu.Unlock()

		log.Noticef("restarting engine in %s (attempt %d)", delay, attempt)
		s.emit(Event{Type: EventRestarting, Attempt: attempt, NextRetry: delay})

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		s.mu.Lock()
		if State(s.state.Load()) == StateStopped {
			s.mu.Unlock()
			return false
		}
		p, err := s.spawnLocked()
		if err != nil {
			s.mu.Unlock()
			log.Errorf("engine restart failed: %v", err)
			exitErr = err
			continue
		}
		s.state.Store(int32(StateRunning))
		s.mu.Unlock()

		s.emit(Event{Type: EventStarted, Generation: p.generation, Attempt: attempt})
		return true
	}
}

// Shutdown writes the exit command and then kills the process. Both steps
// always run. The write happens on its own goroutine and is given at most
// ExitTimeout (or until ctx ends) to be taken up and for the engine to leave
// on its own, so an engine that stopped reading its input cannot hold up
// the kill. Only the first call does anything.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateStopped))
		p := s.proc
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if p == nil {
			return
		}

		writeErr := s.requestExit(ctx, p)

		var killErr error
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			killErr = fmt.Errorf("kill engine: %w", err)
		}
		// Releases a writer still blocked on a full pipe.
		p.stdin.Close()

		timer := time.NewTimer(s.config.KillTimeout)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			log.Warningf("engine generation %s did not exit after kill", p.generation)
		case <-ctx.Done():
		}

		s.stopErr = errors.Join(writeErr, killErr)
		s.emit(Event{Type: EventStopped, Generation: p.generation, Err: s.stopErr})
	})
	return s.stopErr
}

// requestExit writes the exit command and waits for the engine to go away,
// bounded by ExitTimeout and ctx.
func (s *Supervisor) requestExit(ctx context.Context, p *process) error {
	written := make(chan error, 1)
	go func() {
		written <- p.write(codec.ExitCommand)
	}()

	timer := time.NewTimer(s.config.ExitTimeout)
	defer timer.Stop()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("write exit command: %w", err)
		}
	case <-timer.C:
		return fmt.Errorf("write exit command: %w", ErrExitTimeout)
	case <-ctx.Done():
		return fmt.Errorf("write exit command: %w", ctx.Err())
	}

	select {
	case <-p.exited:
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func (s *Supervisor) emit(event Event) {
	if s.handlers.Event != nil {
		s.handlers.Event(event)
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// CalculateBackoff returns the delay before restart attempt n. Attempts 0 and
// 1 wait initial; later attempts grow by multiplier up to max.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
