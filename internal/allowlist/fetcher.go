package allowlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/domain/schema"
)

const (
	component = "allowlist"
	// DefaultMaxBodyBytes caps the allowlist response body.
	DefaultMaxBodyBytes int64 = 4 << 20
	// DefaultFetchTimeout bounds a single fetch when none is configured.
	DefaultFetchTimeout = 10 * time.Second
)

// Fetcher retrieves the remote allowlist document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]schema.ProgramID, error)
}

type document struct {
	ProgramAllowlist *[]string `json:"program_allowlist"`
}

// HTTPFetcher issues a GET against the configured URL and parses {"program_allowlist": [...]}.
type HTTPFetcher struct {
	url          string
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// HTTPOption customises an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithMaxBodyBytes overrides the response body cap.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

// NewHTTPFetcher constructs a fetcher. timeout is a hard bound for the whole request including the body read.
func NewHTTPFetcher(url string, timeout time.Duration, opts ...HTTPOption) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	f := &HTTPFetcher{
		url:          url,
		client:       &http.Client{},
		timeout:      timeout,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch downloads and validates the allowlist. Every failure is returned as an *errs.E.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]schema.ProgramID, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithField("url", f.url), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithMessage("fetch allowlist"), errs.WithField("url", f.url), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("allowlist endpoint returned non-2xx status"),
			errs.WithField("url", f.url))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithMessage("read allowlist body"), errs.WithField("url", f.url), errs.WithCause(err))
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, errs.New(component, errs.CodeDecode,
			errs.WithMessage(fmt.Sprintf("allowlist body exceeds %d bytes", f.maxBodyBytes)),
			errs.WithField("url", f.url))
	}

	return ParseDocument(body)
}

// ParseDocument validates an allowlist document. The program_allowlist key must be present;
// an empty array is a valid, empty allowlist.
func ParseDocument(body []byte) ([]schema.ProgramID, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errs.New(component, errs.CodeDecode, errs.WithMessage("malformed allowlist document"), errs.WithCause(err))
	}
	if doc.ProgramAllowlist == nil {
		return nil, errs.New(component, errs.CodeDecode, errs.WithMessage("program_allowlist missing from document"))
	}
	ids, err := schema.ParseProgramIDs(*doc.ProgramAllowlist)
	if err != nil {
		return nil, errs.New(component, errs.CodeDecode, errs.WithMessage("invalid identifier in allowlist"), errs.WithCause(err))
	}
	return ids, nil
}
