package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const defaultUserAgent = "serialarr/1.0 (+https://github.com/serialarr/serialarr)"

// NewClient builds the HTTP client providers share. Politeness spacing is
// enforced upstream by the gate, so the client itself only needs a timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// FetchDocument GETs a page and parses it with goquery, classifying HTTP
// and transport failures into the shared taxonomy. The opaque session blob
// (if any) is sent as a Cookie header; the core never inspects it.
func FetchDocument(ctx context.Context, client *http.Client, url string, st Settings) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Structural(fmt.Errorf("building request for %s: %w", url, err))
	}

	ua := strings.TrimSpace(st.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if s := strings.TrimSpace(st.Session); s != "" {
		req.Header.Set("Cookie", s)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(fmt.Errorf("requesting %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, StatusFailure(resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, Structural(fmt.Errorf("parsing %s: %w", url, err))
	}
	return doc, nil
}
