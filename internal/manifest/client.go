package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/customlauncher/patchsync/internal/syncerr"
)

// MaxBodySize bounds how much of a manifest response is read.
const MaxBodySize = 64 << 20

// Client fetches the current manifest snapshot
type Client interface {
	// Fetch downloads and parses the manifest
	Fetch(ctx context.Context) (*Manifest, error)
}

// HTTPClient implements Client with a single GET against the manifest URL
type HTTPClient struct {
	url        string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a manifest client. A nil httpClient uses
// http.DefaultClient.
func NewHTTPClient(url, userAgent string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		url:        url,
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Fetch performs the request and parses the body. Transport problems and
// non-2xx statuses are syncerr.ErrNetwork; body problems are
// syncerr.ErrParse. Nothing is retried here.
func (c *HTTPClient) Fetch(ctx context.Context) (*Manifest, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, syncerr.Network("fetch manifest", c.url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Network("fetch manifest", c.url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, syncerr.Network("fetch manifest", c.url, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, syncerr.Network("fetch manifest", c.url, err)
	}
	if len(body) > MaxBodySize {
		return nil, syncerr.Parse("fetch manifest", c.url, fmt.Errorf("body exceeds %d bytes", MaxBodySize))
	}

	m, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("manifest fetched",
		"url", c.url,
		"entries", m.Len(),
		"bytes", len(body),
		"duration", time.Since(start))

	return m, nil
}
