package engine

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// readLines calls fn for every newline terminated line read from r, without
// the terminator. Lines longer than limit bytes are dropped whole and reading
// carries on with the next line. A trailing line without terminator is
// delivered at EOF.
func readLines(r io.Reader, limit int, fn func(line []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var line []byte
	discarding := false

	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !discarding {
			if len(line)+len(chunk) > limit+1 {
				discarding = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			if discarding {
				log.Warningf("dropped engine output line longer than %d bytes", limit)
			} else {
				fn(trimEOL(line))
			}
			line = line[:0]
			discarding = false
		default:
			if len(line) > 0 && !discarding {
				fn(trimEOL(line))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return append([]byte(nil), line...)
}
