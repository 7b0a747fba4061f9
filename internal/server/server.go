// Package server is the editor facing side of the bridge: an LSP server on
// stdio that forwards documents and completion requests to the engine.
package server

import (
	"os"
	"sync"

	"vrjls/internal/bridge"
	"vrjls/internal/config"
	"vrjls/internal/engine"
	"vrjls/internal/monitor"
	"vrjls/internal/store"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

var log = commonlog.GetLogger("vrjls.server")

const Name = "vrjls"

type Server struct {
	handler *protocol.Handler
	base    config.Config
	version string

	mu         sync.Mutex
	config     config.Config
	store      store.Store
	session    *bridge.Session
	supervisor *engine.Supervisor
	ready      int

	hub       *monitor.Hub
	publisher *publisher

	shutdownOnce sync.Once
	shutdownErr  error

	// exit terminates the process on "exit".
	exit func(code int)
}

// New builds the handler table. base is the configuration before the
// client's initializationOptions are applied.
func New(base config.Config, version string) *Server {
	s := &Server{
		base:      base,
		config:    base,
		version:   version,
		hub:       monitor.NewHub(0),
		publisher: &publisher{},
		exit:      os.Exit,
	}
	s.handler = &protocol.Handler{
		Initialize:              s.initialize,
		Initialized:             s.initialized,
		Shutdown:                s.shutdown,
		Exit:                    s.exitHandler,
		SetTrace:                s.setTrace,
		TextDocumentDidOpen:     s.textDocumentDidOpen,
		TextDocumentDidChange:   s.textDocumentDidChange,
		TextDocumentDidClose:    s.textDocumentDidClose,
		CompletionItemResolve:   s.completionItemResolve,
		WorkspaceExecuteCommand: s.workspaceExecuteCommand,
	}
	return s
}

// current returns the session, or nil before initialize and after shutdown.
func (s *Server) current() *bridge.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// publisher forwards diagnostics to whichever connection last talked to us.
// Replies from the engine arrive outside of any request, so the notify
// function is captured from the handlers.
type publisher struct {
	mu     sync.Mutex
	notify glsp.NotifyFunc
}

func (p *publisher) bind(context *glsp.Context) {
	if context == nil || context.Notify == nil {
		return
	}
	p.mu.Lock()
	p.notify = context.Notify
	p.mu.Unlock()
}

func (p *publisher) PublishDiagnostics(uri string, diagnostics []protocol.Diagnostic) {
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()

	if notify == nil {
		log.Warningf("no client connection, dropping diagnostics for %s", uri)
		return
	}
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}
	notify("textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}
