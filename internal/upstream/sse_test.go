package upstream

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func readAllPayloads(t *testing.T, r *SSEReader) []string {
	t.Helper()
	var out []string
	for {
		data, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

func TestSSEReaderPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "plain data frames",
			body: "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n",
			want: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name: "event names and comments are skipped",
			body: "event: message_start\ndata: {\"type\":\"message_start\"}\n\n: keep-alive\n\nevent: ping\ndata: {\"type\":\"ping\"}\n\n",
			want: []string{`{"type":"message_start"}`, `{"type":"ping"}`},
		},
		{
			name: "done sentinel ends the stream early",
			body: "data: {\"a\":1}\n\ndata: [DONE]\n\ndata: {\"never\":true}\n\n",
			want: []string{`{"a":1}`},
		},
		{
			name: "no space after colon",
			body: "data:{\"tight\":true}\n\n",
			want: []string{`{"tight":true}`},
		},
		{
			name: "empty data lines are skipped",
			body: "data: \n\ndata: {\"a\":1}\n\n",
			want: []string{`{"a":1}`},
		},
		{
			name: "empty body",
			body: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewSSEReader(io.NopCloser(strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, readAllPayloads(t, r))
		})
	}
}

func TestSSEReaderPayloadSurvivesNextCall(t *testing.T) {
	r := NewSSEReader(io.NopCloser(strings.NewReader("data: first\n\ndata: second-very-different\n\n")))

	first, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)

	// The scanner reuses its buffer; Next must have copied.
	assert.Equal(t, "first", string(first))
}

func TestSSEReaderRejectsOversizedLine(t *testing.T) {
	giant := "data: " + strings.Repeat("x", maxSSELineBytes+1) + "\n\n"
	r := NewSSEReader(io.NopCloser(strings.NewReader(giant)))

	_, err := r.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestSSEReaderClosePropagates(t *testing.T) {
	body := &closeRecorder{Reader: strings.NewReader("data: {\"a\":1}\n\n")}
	r := NewSSEReader(body)

	require.NoError(t, r.Close())
	assert.True(t, body.closed)
}
