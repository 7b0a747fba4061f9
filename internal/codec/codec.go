// Package codec frames messages for the analysis engine. Both directions use
// one JSON object per line.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// Message types understood by the engine.
const (
	TypeEdit    = "edit"
	TypeSuggest = "suggest"
)

// ExitCommand is written verbatim, not JSON framed, to ask the engine to stop.
var ExitCommand = []byte("exit\n")

// Message is the outbound envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EditPayload carries the full text of a document. Line and Range are
// context hints and are left out for freshly opened documents.
type EditPayload struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
	Line    *int   `json:"line,omitempty"`
	Range   *int   `json:"range,omitempty"`
}

// SuggestPayload asks for completions. Line is 1-based, Char 0-based.
type SuggestPayload struct {
	Line int    `json:"line"`
	Char int    `json:"char"`
	URI  string `json:"uri"`
}

func NewEdit(payload EditPayload) Message {
	return Message{Type: TypeEdit, Data: payload}
}

func NewSuggest(payload SuggestPayload) Message {
	return Message{Type: TypeSuggest, Data: payload}
}

// Encode renders msg as a single newline terminated line. encoding/json
// escapes control characters, so a payload can never span lines.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("encoded %s message spans multiple lines", msg.Type)
	}
	return append(data, '\n'), nil
}

// ErrorDescriptor is a single problem reported by the engine.
type ErrorDescriptor struct {
	Range   protocol.Range `json:"range"`
	Message string         `json:"message"`
}

// EditReply lists every problem the engine currently sees in one document.
type EditReply struct {
	URI    string            `json:"uri"`
	Errors []ErrorDescriptor `json:"errors"`
}

// SuggestReply answers the most recent suggest message.
type SuggestReply struct {
	Suggestions []protocol.CompletionItem
}

// Reply is an inbound line. Either part may be absent.
type Reply struct {
	Edit    *EditReply
	Suggest *SuggestReply
}

func (r Reply) Empty() bool {
	return r.Edit == nil && r.Suggest == nil
}

// Decode parses one inbound line. Anything that is not a JSON object yields
// a *ParseError. The edit and suggest parts decode independently: a part
// that does not fit its shape is dropped and the other is kept. Unknown top
// level fields are ignored.
func Decode(line []byte) (Reply, error) {
	line = bytes.TrimSpace(line)
	if !gjson.ValidBytes(line) {
		return Reply{}, &ParseError{Line: string(line), Err: ErrMalformed}
	}

	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Reply{}, &ParseError{Line: string(line), Err: ErrNotObject}
	}

	var reply Reply

	if edit := root.Get(TypeEdit); edit.IsObject() {
		var e EditReply
		if err := json.Unmarshal([]byte(edit.Raw), &e); err != nil {
			log.Warningf("dropping edit part: %v", &ParseError{Line: edit.Raw, Err: err})
		} else {
			reply.Edit = &e
		}
	}

	if suggest := root.Get(TypeSuggest); suggest.IsObject() {
		reply.Suggest = &SuggestReply{
			Suggestions: decodeSuggestions(suggest.Get("suggestions")),
		}
	}

	return reply, nil
}

// decodeSuggestions accepts completion items as objects or bare labels.
func decodeSuggestions(list gjson.Result) []protocol.CompletionItem {
	items := []protocol.CompletionItem{}
	if !list.IsArray() {
		return items
	}

	list.ForEach(func(_, value gjson.Result) bool {
		switch {
		case value.Type == gjson.String:
			items = append(items, protocol.CompletionItem{Label: value.Str})
		case value.IsObject():
			var item protocol.CompletionItem
			if err := json.Unmarshal([]byte(value.Raw), &item); err != nil || item.Label == "" {
				log.Debugf("skipping suggestion %s: %v", value.Raw, err)
				return true
			}
			items = append(items, item)
		default:
			log.Debugf("skipping suggestion %s", value.Raw)
		}
		return true
	})
	return items
}
