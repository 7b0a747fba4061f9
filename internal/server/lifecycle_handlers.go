package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vrjls/internal/bridge"
	"vrjls/internal/config"
	"vrjls/internal/engine"
	"vrjls/internal/store"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const shutdownTimeout = 5 * time.Second

// EngineTrace is what the monitor sees of a lifecycle event.
type EngineTrace struct {
	Event     string `json:"event"`
	Attempt   int    `json:"attempt,omitempty"`
	NextRetry string `json:"next_retry,omitempty"`
	Error     string `json:"error,omitempty"`
}

const traceEngine = "engine"

func (s *Server) initialize(
	ctx *glsp.Context,
	params *protocol.InitializeParams,
) (any, error) {
	s.publisher.bind(ctx)

	cfg, err := config.Merge(s.base, params.InitializationOptions)
	if err != nil {
		return nil, fmt.Errorf("invalid initializationOptions: %w", err)
	}
	log.Infof("config: %+v", cfg)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	supervisor := engine.NewSupervisor(engineConfig(cfg), engine.Handlers{
		Line:  s.engineLine,
		Event: s.engineEvent,
	})
	session := bridge.NewSession(supervisor, s.publisher, bridge.Options{
		Debounce:          cfg.Debounce.Std(),
		ContextRange:      cfg.ContextRange,
		CompletionTimeout: cfg.CompletionTimeout.Std(),
		Store:             st,
		Tracer:            s.hub,
	})

	s.mu.Lock()
	s.config = cfg
	s.store = st
	s.session = session
	s.supervisor = supervisor
	s.mu.Unlock()

	if err := supervisor.Start(context.Background()); err != nil {
		log.Criticalf("%v", err)
		session.Close()
		st.Close()
		s.mu.Lock()
		s.session = nil
		s.supervisor = nil
		s.store = nil
		s.mu.Unlock()
		return nil, err
	}

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities := s.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &protocol.True,
		Change:    &syncKind,
	}
	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: cfg.TriggerCharacters,
		ResolveProvider:   &protocol.True,
	}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{MonitorCommand},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &s.version,
		},
	}, nil
}

func (s *Server) initialized(
	context *glsp.Context,
	params *protocol.InitializedParams,
) error {
	log.Infof("client initialized")
	return nil
}

func (s *Server) setTrace(
	context *glsp.Context,
	params *protocol.SetTraceParams,
) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func (s *Server) shutdown(context *glsp.Context) error {
	return s.Shutdown()
}

func (s *Server) exitHandler(context *glsp.Context) error {
	s.Shutdown()
	s.exit(0)
	return nil
}

// Shutdown stops the session, the engine, the monitor and the store. Only
// the first call does anything; both "shutdown" and "exit" end up here.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		session, supervisor, st := s.session, s.supervisor, s.store
		s.session = nil
		s.mu.Unlock()

		log.Infof("shutting down")
		var errs []error
		if session != nil {
			session.Close()
		}
		if supervisor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := supervisor.Shutdown(ctx); err != nil {
				log.Warningf("engine shutdown: %v", err)
				errs = append(errs, err)
			}
			cancel()
		}
		if err := s.hub.Close(); err != nil {
			errs = append(errs, err)
		}
		if st != nil {
			if err := st.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Server) engineLine(line []byte) {
	if session := s.current(); session != nil {
		session.HandleLine(line)
	}
}

// engineEvent runs on supervisor goroutines. A later generation has lost
// every document the previous one knew about, so its readiness triggers a
// resync.
func (s *Server) engineEvent(event engine.Event) {
	trace := EngineTrace{Event: event.Type.String(), Attempt: event.Attempt}
	if event.NextRetry > 0 {
		trace.NextRetry = event.NextRetry.String()
	}
	if event.Err != nil {
		trace.Error = event.Err.Error()
	}

	switch event.Type {
	case engine.EventStarted:
		s.hub.SetGeneration(event.Generation)
	case engine.EventReady:
		s.mu.Lock()
		s.ready++
		resync := s.ready > 1
		s.mu.Unlock()
		if session := s.current(); resync && session != nil {
			// Not on the reader goroutine: resync writes to stdin.
			go session.Resync()
		}
	case engine.EventExited, engine.EventFailed:
		if session := s.current(); session != nil {
			session.EngineLost()
		}
	}
	s.hub.Trace(traceEngine, trace)
}

func engineConfig(cfg config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.Command = cfg.Engine.Command
	ec.Args = cfg.Engine.Args
	ec.MaxLineBytes = cfg.Engine.MaxLineBytes
	ec.MaxRestarts = cfg.Engine.MaxRestarts
	ec.InitialBackoff = cfg.Engine.InitialBackoff.Std()
	ec.MaxBackoff = cfg.Engine.MaxBackoff.Std()
	ec.ResetWindow = cfg.Engine.ResetWindow.Std()
	return ec
}
