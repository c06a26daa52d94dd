package orchestrator

import (
	"bytes"
)

// LineSplitter turns arbitrary read chunks into complete lines, carrying a
// partial trailing line across feeds. It is independent of the transport
// that produced the chunks.
type LineSplitter struct {
	carry []byte
}

// Feed appends a chunk and returns every complete line it closed. Returned
// slices are copies and stay valid after the next Feed.
func (s *LineSplitter) Feed(chunk []byte) [][]byte {
	s.carry = append(s.carry, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.carry, '\n')
		if idx < 0 {
			return lines
		}
		line := bytes.TrimSuffix(s.carry[:idx], []byte("\r"))
		lines = append(lines, append([]byte(nil), line...))
		s.carry = s.carry[idx+1:]
	}
}

// Flush returns the unterminated trailing line, if any, and resets the
// splitter.
func (s *LineSplitter) Flush() []byte {
	if len(s.carry) == 0 {
		return nil
	}
	line := append([]byte(nil), bytes.TrimSuffix(s.carry, []byte("\r"))...)
	s.carry = nil
	return line
}

// DataPayload extracts the JSON payload from one SSE line. Lines without a
// data: prefix, empty payloads and the [DONE] terminator yield nil.
func DataPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil
	}
	return payload
}
