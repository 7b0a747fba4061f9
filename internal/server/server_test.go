package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vrjls/internal/config"
	"vrjls/internal/engine"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const (
	helperEnv       = "VRJLS_SERVER_ENGINE"
	crashMarkerEnv  = "VRJLS_SERVER_CRASH_MARKER"
	silentEnv       = "VRJLS_SERVER_SILENT"
	waitTimeout     = 5 * time.Second
	testDocumentURI = "file:///tmp/main.vrj"
)

// TestHelperEngine plays the engine when the test binary is re-executed.
// Documents containing "oops" get one error; a document containing "crash"
// kills the engine once. With VRJLS_SERVER_SILENT set, suggest messages go
// unanswered.
func TestHelperEngine(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	fmt.Println("vrj ready")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "exit" {
			os.Exit(0)
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "edit":
			var edit struct {
				URI     string `json:"uri"`
				Content string `json:"content"`
			}
			json.Unmarshal(msg.Data, &edit)

			if marker := os.Getenv(crashMarkerEnv); marker != "" && strings.Contains(edit.Content, "crash") {
				if _, err := os.Stat(marker); err != nil {
					os.WriteFile(marker, nil, 0o600)
					os.Exit(3)
				}
			}

			errs := []any{}
			if strings.Contains(edit.Content, "oops") {
				errs = append(errs, map[string]any{
					"range": map[string]any{
						"start": map[string]any{"line": 0, "character": 0},
						"end":   map[string]any{"line": 0, "character": 4},
					},
					"message": "unexpected oops",
				})
			}
			reply, _ := json.Marshal(map[string]any{"edit": map[string]any{"uri": edit.URI, "errors": errs}})
			fmt.Println(string(reply))

		case "suggest":
			if os.Getenv(silentEnv) == "1" {
				continue
			}
			fmt.Println(`{"suggest":{"suggestions":["alpha",{"label":"beta","detail":"b"}]}}`)
		}
	}
	os.Exit(0)
}

type notification struct {
	method string
	params any
}

type recorder struct {
	mu    sync.Mutex
	notes []notification
}

func (r *recorder) notify(method string, params any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notification{method: method, params: params})
}

// waitFor polls until a notification satisfies match.
func (r *recorder) waitFor(t *testing.T, what string, match func(notification) bool) notification {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, n := range r.notes {
			if match(n) {
				r.mu.Unlock()
				return n
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return notification{}
}

func diagnosticsFor(uri string, count int) func(notification) bool {
	return func(n notification) bool {
		params, ok := n.params.(protocol.PublishDiagnosticsParams)
		return ok && n.method == "textDocument/publishDiagnostics" && params.URI == uri && len(params.Diagnostics) == count
	}
}

type testServer struct {
	*Server
	ctx      *glsp.Context
	rec      *recorder
	result   any
	exitCode int
}

func engineOptions(extra map[string]any) map[string]any {
	opts := map[string]any{
		"engine": map[string]any{
			"command":         os.Args[0],
			"args":            []string{"-test.run=^TestHelperEngine$"},
			"max_restarts":    2,
			"initial_backoff": "10ms",
		},
		"debounce":           "10ms",
		"completion_timeout": "2s",
	}
	for k, v := range extra {
		opts[k] = v
	}
	return opts
}

func newTestServer(t *testing.T, opts map[string]any) *testServer {
	t.Helper()
	t.Setenv(helperEnv, "1")

	ts := &testServer{Server: New(config.Default(), "test"), rec: &recorder{}, exitCode: -1}
	ts.exit = func(code int) { ts.exitCode = code }
	ts.ctx = &glsp.Context{Notify: ts.rec.notify}

	result, err := ts.initialize(ts.ctx, &protocol.InitializeParams{InitializationOptions: opts})
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	ts.result = result
	t.Cleanup(func() { ts.Shutdown() })
	return ts
}

func (ts *testServer) open(t *testing.T, uri, text string) {
	t.Helper()
	err := ts.textDocumentDidOpen(ts.ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: uri, LanguageID: "vrj", Version: 1, Text: text},
	})
	if err != nil {
		t.Fatalf("didOpen failed: %v", err)
	}
}

func (ts *testServer) change(t *testing.T, uri, text string) {
	t.Helper()
	err := ts.textDocumentDidChange(ts.ctx, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
			Version:                2,
		},
		ContentChanges: []any{protocol.TextDocumentContentChangeEventWhole{Text: text}},
	})
	if err != nil {
		t.Fatalf("didChange failed: %v", err)
	}
}

func (ts *testServer) complete(t *testing.T, uri string, line, character uint32) []protocol.CompletionItem {
	t.Helper()
	future := ts.requestCompletion(&protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     protocol.Position{Line: line, Character: character},
		},
	})
	if future == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	items, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	return items
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))

	result, ok := ts.result.(protocol.InitializeResult)
	if !ok {
		t.Fatalf("unexpected result %T", ts.result)
	}

	syncOptions, ok := result.Capabilities.TextDocumentSync.(*protocol.TextDocumentSyncOptions)
	if !ok || syncOptions.Change == nil || *syncOptions.Change != protocol.TextDocumentSyncKindFull {
		t.Errorf("expected full document sync, got %+v", result.Capabilities.TextDocumentSync)
	}

	completion := result.Capabilities.CompletionProvider
	if completion == nil {
		t.Fatal("expected a completion provider")
	}
	if got := strings.Join(completion.TriggerCharacters, ""); got != ".( ," {
		t.Errorf("unexpected trigger characters %q", completion.TriggerCharacters)
	}
	if completion.ResolveProvider == nil || !*completion.ResolveProvider {
		t.Error("expected resolve support")
	}
	if result.ServerInfo == nil || result.ServerInfo.Name != Name {
		t.Errorf("unexpected server info %+v", result.ServerInfo)
	}
}

func TestInitializeFailsWhenEngineCannotLaunch(t *testing.T) {
	s := New(config.Default(), "test")
	opts := map[string]any{"engine": map[string]any{"command": filepath.Join(t.TempDir(), "missing-engine")}}

	_, err := s.initialize(&glsp.Context{Notify: (&recorder{}).notify}, &protocol.InitializeParams{InitializationOptions: opts})

	var launchErr *engine.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected a launch error, got %v", err)
	}
	if s.current() != nil {
		t.Error("expected no session after a failed launch")
	}
}

func TestInitializeRejectsInvalidOptions(t *testing.T) {
	s := New(config.Default(), "test")
	opts := map[string]any{"debounce": "soon"}

	if _, err := s.initialize(&glsp.Context{}, &protocol.InitializeParams{InitializationOptions: opts}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDiagnosticsFollowEdits(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))

	ts.open(t, testDocumentURI, "let x = oops")
	n := ts.rec.waitFor(t, "diagnostics after open", diagnosticsFor(testDocumentURI, 1))

	diagnostic := n.params.(protocol.PublishDiagnosticsParams).Diagnostics[0]
	if diagnostic.Message != "unexpected oops" || diagnostic.Range.End.Character != 4 {
		t.Errorf("unexpected diagnostic %+v", diagnostic)
	}
	if diagnostic.Severity == nil || *diagnostic.Severity != protocol.DiagnosticSeverityError {
		t.Errorf("expected error severity, got %v", diagnostic.Severity)
	}

	ts.change(t, testDocumentURI, "let x = 1")
	ts.rec.waitFor(t, "cleared diagnostics after change", diagnosticsFor(testDocumentURI, 0))
}

func TestCompletion(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))
	ts.open(t, testDocumentURI, "let x = 1\nx.")

	items := ts.complete(t, testDocumentURI, 1, 2)
	if len(items) != 2 || items[0].Label != "alpha" || items[1].Label != "beta" {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[1].Detail == nil || *items[1].Detail != "b" {
		t.Errorf("expected object suggestion to keep its detail, got %+v", items[1])
	}

	resolved, err := ts.completionItemResolve(ts.ctx, &items[0])
	if err != nil || resolved.Label != "alpha" {
		t.Errorf("expected resolve to return the item unchanged, got %+v, %v", resolved, err)
	}
}

func TestDidCloseClearsDiagnostics(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))
	ts.open(t, testDocumentURI, "oops")
	ts.rec.waitFor(t, "diagnostics after open", diagnosticsFor(testDocumentURI, 1))

	err := ts.textDocumentDidClose(ts.ctx, &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: testDocumentURI},
	})
	if err != nil {
		t.Fatalf("didClose failed: %v", err)
	}
	ts.rec.waitFor(t, "cleared diagnostics after close", diagnosticsFor(testDocumentURI, 0))
}

func TestEngineRestartResyncsDocuments(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	t.Setenv(crashMarkerEnv, marker)
	ts := newTestServer(t, engineOptions(nil))

	ts.open(t, testDocumentURI, "oops crash")

	// The first engine dies on the document; the second gets it again from
	// the resync and answers.
	ts.rec.waitFor(t, "diagnostics from the restarted engine", diagnosticsFor(testDocumentURI, 1))
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected the first engine to crash: %v", err)
	}
	if got := ts.supervisor.RestartCount(); got != 1 {
		t.Errorf("expected one restart, got %d", got)
	}
}

func TestMonitorCommand(t *testing.T) {
	ts := newTestServer(t, engineOptions(map[string]any{"monitor_addr": "127.0.0.1:0"}))

	if _, err := ts.workspaceExecuteCommand(ts.ctx, &protocol.ExecuteCommandParams{Command: MonitorCommand}); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	n := ts.rec.waitFor(t, "showDocument", func(n notification) bool { return n.method == "window/showDocument" })

	params := n.params.(protocol.ShowDocumentParams)
	if !strings.HasPrefix(params.URI, "http://127.0.0.1:") {
		t.Errorf("unexpected monitor URL %q", params.URI)
	}
	if params.External == nil || !*params.External {
		t.Error("expected the monitor to open externally")
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))

	if _, err := ts.workspaceExecuteCommand(ts.ctx, &protocol.ExecuteCommandParams{Command: "vrjls.nope"}); err == nil {
		t.Error("expected an error for an unknown command")
	}
}

func TestShutdownAndExit(t *testing.T) {
	ts := newTestServer(t, engineOptions(nil))
	supervisor := ts.supervisor

	if err := ts.shutdown(ts.ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := ts.exitHandler(ts.ctx); err != nil {
		t.Fatalf("exit failed: %v", err)
	}

	if ts.exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", ts.exitCode)
	}
	if supervisor.State() != engine.StateStopped {
		t.Errorf("expected stopped engine, got %s", supervisor.State())
	}
	if items := ts.complete(t, testDocumentURI, 0, 0); len(items) != 0 {
		t.Errorf("expected no completions after shutdown, got %+v", items)
	}
}
