package bridge

import (
	"vrjls/internal/codec"
	"vrjls/internal/store"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const diagnosticSource = "vrj"

type DiagnosticsTrace struct {
	URI   string `json:"uri"`
	Count int    `json:"count"`
}

// DiagnosticsPublisher replaces the diagnostic set of a document on every
// edit reply. Sets are never merged, neither with earlier replies for the
// same document nor across documents.
type DiagnosticsPublisher struct {
	publisher Publisher
	store     store.Store
	tracer    Tracer
}

func NewDiagnosticsPublisher(publisher Publisher, s store.Store, tracer Tracer) *DiagnosticsPublisher {
	if tracer == nil {
		tracer = nopTracer{}
	}
	return &DiagnosticsPublisher{publisher: publisher, store: s, tracer: tracer}
}

func (d *DiagnosticsPublisher) Publish(reply codec.EditReply) {
	if reply.URI == "" {
		log.Warningf("discarding edit reply without uri (%d errors)", len(reply.Errors))
		return
	}
	d.replace(reply.URI, ToDiagnostics(reply.Errors))
}

// Restore republishes the set recorded for uri, if it has one.
func (d *DiagnosticsPublisher) Restore(uri string) {
	diagnostics, err := d.store.Diagnostics(uri)
	if err != nil {
		log.Warningf("failed to read diagnostics for %s: %v", uri, err)
		return
	}
	if len(diagnostics) == 0 {
		return
	}
	log.Debugf("restoring %d diagnostics for %s", len(diagnostics), uri)
	d.publisher.PublishDiagnostics(uri, diagnostics)
	d.tracer.Trace(TraceDiagnostics, DiagnosticsTrace{URI: uri, Count: len(diagnostics)})
}

// Clear publishes an empty set for uri.
func (d *DiagnosticsPublisher) Clear(uri string) {
	d.replace(uri, []protocol.Diagnostic{})
}

func (d *DiagnosticsPublisher) replace(uri string, diagnostics []protocol.Diagnostic) {
	if err := d.store.ReplaceDiagnostics(uri, diagnostics); err != nil {
		log.Warningf("failed to record diagnostics for %s: %v", uri, err)
	}
	d.publisher.PublishDiagnostics(uri, diagnostics)
	d.tracer.Trace(TraceDiagnostics, DiagnosticsTrace{URI: uri, Count: len(diagnostics)})
}

// ToDiagnostics maps engine errors to editor diagnostics. The engine has no
// notion of severity, so everything is an error.
func ToDiagnostics(errors []codec.ErrorDescriptor) []protocol.Diagnostic {
	severity := protocol.DiagnosticSeverityError
	source := diagnosticSource

	diagnostics := make([]protocol.Diagnostic, 0, len(errors))
	for _, e := range errors {
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    e.Range,
			Severity: &severity,
			Source:   &source,
			Message:  e.Message,
		})
	}
	return diagnostics
}
