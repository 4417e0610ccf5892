package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Source serves compressed artifacts by download name
type Source interface {
	// Open starts reading the named artifact. size is -1 when unknown.
	Open(ctx context.Context, name string) (rc io.ReadCloser, size int64, err error)
}

// HTTPSource fetches artifacts with GET {baseURL}/{name}
type HTTPSource struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewHTTPSource creates a source rooted at baseURL. A nil httpClient uses
// http.DefaultClient.
func NewHTTPSource(baseURL, userAgent string, httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// Open issues the GET request and returns the response body
func (s *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

func (s *HTTPSource) String() string {
	return s.baseURL
}

// Location is a parsed remote.download_url
type Location struct {
	Scheme string // "http", "https" or "s3"
	URL    string // original value, trailing slash trimmed
	Bucket string // s3 only
	Prefix string // s3 only
}

// ParseLocation splits a download URL into its parts. s3://bucket/prefix
// selects the S3 mirror source; http(s) URLs select HTTPSource.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid download url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return Location{}, fmt.Errorf("download url %q has no host", raw)
		}
		return Location{Scheme: u.Scheme, URL: raw}, nil
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("download url %q has no bucket", raw)
		}
		return Location{
			Scheme: "s3",
			URL:    raw,
			Bucket: u.Host,
			Prefix: strings.Trim(u.Path, "/"),
		}, nil
	default:
		return Location{}, fmt.Errorf("download url %q must use http, https or s3", raw)
	}
}

// SourceOptions carries what NewSource needs to build either source kind
type SourceOptions struct {
	UserAgent  string
	HTTPClient *http.Client
	S3         S3Options
}

// NewSource builds the Source for a download URL
func NewSource(ctx context.Context, downloadURL string, opts SourceOptions) (Source, error) {
	loc, err := ParseLocation(downloadURL)
	if err != nil {
		return nil, err
	}

	if loc.Scheme == "s3" {
		s3opts := opts.S3
		s3opts.Bucket = loc.Bucket
		s3opts.Prefix = loc.Prefix
		return NewS3Source(ctx, s3opts)
	}
	return NewHTTPSource(loc.URL, opts.UserAgent, opts.HTTPClient), nil
}
