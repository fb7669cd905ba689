package llm

import (
	"bufio"
	"bytes"
	"io"
)

// sseDone is the payload that terminates a completion stream.
const sseDone = "[DONE]"

var dataPrefix = []byte("data:")

// sseReader yields the payload of each "data:" line of an event stream. Every
// line is treated as a complete event; fields other than data are ignored.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the next data payload, or io.EOF at the end of the body.
func (s *sseReader) next() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if bytes.HasPrefix(line, dataPrefix) {
				return bytes.TrimSpace(line[len(dataPrefix):]), nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
