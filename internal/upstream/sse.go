package upstream

import (
	"bufio"
	"bytes"
	"io"
)

// SSE lines longer than this abort the stream rather than grow the buffer
// without bound.
const maxSSELineBytes = 1 << 20

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// SSEReader walks the data payloads of a server-sent-event response body.
// Event-name lines, comments, and blank separators are skipped; the [DONE]
// sentinel and the end of the body both surface as io.EOF. Close releases
// the underlying connection.
type SSEReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewSSEReader wraps an SSE response body.
func NewSSEReader(body io.ReadCloser) *SSEReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &SSEReader{body: body, scanner: scanner}
}

// Next returns the next data payload. The returned slice is a copy and stays
// valid across calls.
func (r *SSEReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, doneSentinel) {
			return nil, io.EOF
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the response body, terminating the upstream connection.
func (r *SSEReader) Close() error {
	return r.body.Close()
}
