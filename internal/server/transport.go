package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const (
	methodCompletion    = "textDocument/completion"
	methodCancelRequest = "$/cancelRequest"

	// codeRequestCancelled is the LSP error code for a cancelled request.
	codeRequestCancelled = -32800
)

// RunStdio serves LSP on stdin/stdout until the client disconnects.
func (s *Server) RunStdio() error {
	log.Infof("reading from stdin, writing to stdout")
	return s.ServeStream(stdio{})
}

// ServeStream serves LSP on stream until it is closed. Messages are handled
// one at a time in arrival order, except that completion requests are
// answered from their own goroutine once the engine replies, so a pending
// completion never holds up the next message.
func (s *Server) ServeStream(stream io.ReadWriteCloser) error {
	d := &dispatcher{server: s, inflight: make(map[jsonrpc2.ID]context.CancelFunc)}
	conn := jsonrpc2.NewConn(
		context.Background(),
		jsonrpc2.NewBufferedStream(stream, jsonrpc2.VSCodeObjectCodec{}),
		d,
	)
	<-conn.DisconnectNotify()
	log.Infof("client disconnected")
	return s.Shutdown()
}

type dispatcher struct {
	server *Server

	mu       sync.Mutex
	inflight map[jsonrpc2.ID]context.CancelFunc
}

// Handle runs on the connection's read loop.
func (d *dispatcher) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	glspContext := &glsp.Context{
		Method: req.Method,
		Notify: func(method string, params any) {
			if err := conn.Notify(ctx, method, params); err != nil {
				log.Warningf("failed to send %s: %v", method, err)
			}
		},
	}
	if req.Params != nil {
		glspContext.Params = *req.Params
	}

	switch req.Method {
	case methodCompletion:
		if !req.Notif {
			d.complete(ctx, conn, req, glspContext)
			return
		}
	case methodCancelRequest:
		d.cancel(glspContext.Params)
		return
	}

	result, validMethod, validParams, err := d.server.handler.Handle(glspContext)
	if req.Notif {
		if err != nil {
			log.Errorf("%s: %v", req.Method, err)
		}
		return
	}

	switch {
	case !validMethod:
		d.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method))
	case !validParams:
		d.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, fmt.Sprintf("invalid params for %s", req.Method))
	case err != nil:
		d.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
	default:
		if err := conn.Reply(ctx, req.ID, result); err != nil {
			log.Warningf("failed to reply to %s: %v", req.Method, err)
		}
	}
}

// complete registers the request with the session right away, so a newer
// completion supersedes it in arrival order, and replies once the future
// resolves or the client cancels.
func (d *dispatcher) complete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, glspContext *glsp.Context) {
	var params protocol.CompletionParams
	if err := json.Unmarshal(glspContext.Params, &params); err != nil {
		d.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	d.server.publisher.bind(glspContext)
	future := d.server.requestCompletion(&params)
	if future == nil {
		if err := conn.Reply(ctx, req.ID, []protocol.CompletionItem{}); err != nil {
			log.Warningf("failed to reply to completion: %v", err)
		}
		return
	}

	requestCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.inflight[req.ID] = cancel
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, req.ID)
			d.mu.Unlock()
			cancel()
		}()

		items, err := future.Wait(requestCtx)
		if err != nil {
			d.replyError(context.Background(), conn, req.ID, codeRequestCancelled, "request cancelled")
			return
		}
		_, outcome := future.Result()
		log.Debugf("completion %s answered: %s, %d items", req.ID, outcome, len(items))
		if err := conn.Reply(context.Background(), req.ID, items); err != nil {
			log.Warningf("failed to reply to completion: %v", err)
		}
	}()
}

func (d *dispatcher) cancel(raw json.RawMessage) {
	var params struct {
		ID jsonrpc2.ID `json:"id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		log.Warningf("invalid cancel request: %v", err)
		return
	}

	d.mu.Lock()
	cancel := d.inflight[params.ID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *dispatcher) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	if err := conn.ReplyWithError(ctx, id, &jsonrpc2.Error{Code: code, Message: message}); err != nil {
		log.Warningf("failed to send error reply: %v", err)
	}
}

// stdio joins stdin and stdout into one stream.
type stdio struct{}

func (stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
