package codec

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("vrjls.codec")

var (
	// ErrMalformed is returned for lines that are not valid JSON.
	ErrMalformed = errors.New("malformed json")

	// ErrNotObject is returned for valid JSON that is not an object.
	ErrNotObject = errors.New("reply is not a json object")
)

// ParseError reports an inbound line that could not be decoded. It is never
// fatal: the line is dropped and reading continues.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("parse %q: %v", line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
