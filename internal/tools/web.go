package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	maxFetchBytes     = 1 << 20
	maxFetchRedirects = 5
)

// webFetchHandler retrieves a URL and returns its body, converting HTML to
// Markdown so the model gets prose instead of markup.
func webFetchHandler() Handler {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			return nil
		},
	}

	return func(ctx context.Context, _ string, input map[string]any) (any, error) {
		url := stringArg(input, "url")
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request for %s: %w", url, err)
		}
		req.Header.Set("User-Agent", "claudegate/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", url, err)
		}

		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			markdown, err := htmltomarkdown.ConvertString(string(body))
			if err != nil {
				// Fall back to the raw HTML rather than failing the fetch.
				return string(body), nil
			}
			return markdown, nil
		}
		return string(body), nil
	}
}
