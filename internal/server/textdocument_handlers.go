package server

import (
	"vrjls/internal/bridge"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

func (s *Server) textDocumentDidOpen(
	ctx *glsp.Context,
	params *protocol.DidOpenTextDocumentParams,
) error {
	s.publisher.bind(ctx)
	if session := s.current(); session != nil {
		session.DocumentOpened(params.TextDocument.URI, params.TextDocument.Text)
	}
	return nil
}

// textDocumentDidChange forwards the last full text of the batch. Ranged
// changes cannot happen with full sync and are skipped.
func (s *Server) textDocumentDidChange(
	ctx *glsp.Context,
	params *protocol.DidChangeTextDocumentParams,
) error {
	s.publisher.bind(ctx)
	session := s.current()
	if session == nil {
		return nil
	}

	var text *string
	for _, raw := range params.ContentChanges {
		switch change := raw.(type) {
		case protocol.TextDocumentContentChangeEventWhole:
			text = &change.Text
		default:
			log.Warningf("ignoring incremental change %T for %s", raw, params.TextDocument.URI)
		}
	}
	if text != nil {
		session.DocumentChanged(params.TextDocument.URI, *text)
	}
	return nil
}

func (s *Server) textDocumentDidClose(
	ctx *glsp.Context,
	params *protocol.DidCloseTextDocumentParams,
) error {
	s.publisher.bind(ctx)
	if session := s.current(); session != nil {
		session.DocumentClosed(params.TextDocument.URI)
	}
	return nil
}

// requestCompletion hands the request to the session and returns at once.
// The reply is sent when the future resolves; see dispatcher.complete.
// Returns nil before initialize and after shutdown.
func (s *Server) requestCompletion(params *protocol.CompletionParams) *bridge.Future {
	session := s.current()
	if session == nil {
		return nil
	}
	return session.RequestCompletion(params.TextDocument.URI, params.Position)
}

func (s *Server) completionItemResolve(
	ctx *glsp.Context,
	params *protocol.CompletionItem,
) (*protocol.CompletionItem, error) {
	return params, nil
}
