package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebFetchPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain body"))
	}))
	defer srv.Close()

	h := webFetchHandler()
	out, err := h(context.Background(), "tu_1", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain body", out)
}

func TestWebFetchConvertsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><h1>Title</h1><p>Some <strong>bold</strong> text.</p></body></html>"))
	}))
	defer srv.Close()

	h := webFetchHandler()
	out, err := h(context.Background(), "tu_1", map[string]any{"url": srv.URL})
	require.NoError(t, err)

	text := out.(string)
	assert.Contains(t, text, "# Title")
	assert.Contains(t, text, "**bold**")
	assert.NotContains(t, text, "<h1>")
}

func TestWebFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := webFetchHandler()
	_, err := h(context.Background(), "tu_1", map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestWebFetchFollowsRedirects(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hop" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer target.Close()

	h := webFetchHandler()
	out, err := h(context.Background(), "tu_1", map[string]any{"url": target.URL + "/hop"})
	require.NoError(t, err)
	assert.Equal(t, "landed", out)
}
