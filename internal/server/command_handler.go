package server

import (
	"fmt"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// MonitorCommand opens the live traffic view in a browser.
const MonitorCommand = "vrjls.monitor"

func (s *Server) workspaceExecuteCommand(
	ctx *glsp.Context,
	params *protocol.ExecuteCommandParams,
) (any, error) {
	s.publisher.bind(ctx)
	switch params.Command {
	case MonitorCommand:
		return nil, s.showMonitor(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", params.Command)
	}
}

func (s *Server) showMonitor(ctx *glsp.Context) error {
	s.mu.Lock()
	addr := s.config.MonitorAddr
	s.mu.Unlock()

	url, err := s.hub.Start(addr)
	if err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	log.Infof("showing monitor at %s", url)

	ctx.Notify(
		"window/showDocument",
		protocol.ShowDocumentParams{
			URI:      protocol.URI(url),
			External: &protocol.True,
		},
	)
	return nil
}
