package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/schaermu/addonsyncd/internal/syncerr"
)

const (
	tracerName = "github.com/schaermu/addonsyncd/internal/remote"

	// DefaultAPIURL and DefaultRawURL point at GitHub.
	DefaultAPIURL = "https://api.github.com"
	DefaultRawURL = "https://raw.githubusercontent.com"

	maxPayload = 64 << 20
)

// Observer is told the outcome of every request: the endpoint name and the HTTP status,
// or 0 when the request never got a response.
type Observer func(endpoint string, status int)

// HTTPClient implements Client against the GitHub REST API and raw content host.
// Requests are serialized: at most one is in flight at a time.
type HTTPClient struct {
	repo    Repo
	apiURL  string
	rawURL  string
	http    *http.Client
	tracer  trace.Tracer
	observe Observer

	mu sync.Mutex
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithObserver registers a per-request observer.
func WithObserver(fn Observer) Option {
	return func(h *HTTPClient) { h.observe = fn }
}

// WithTracerProvider sets the provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *HTTPClient) { h.tracer = tp.Tracer(tracerName) }
}

// NewHTTPClient creates a client for repo. Empty base URLs fall back to GitHub.
func NewHTTPClient(repo Repo, apiURL, rawURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if rawURL == "" {
		rawURL = DefaultRawURL
	}
	c := &HTTPClient{
		repo:   repo,
		apiURL: strings.TrimSuffix(apiURL, "/"),
		rawURL: strings.TrimSuffix(rawURL, "/"),
		http:   &http.Client{Timeout: timeout},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type commitResponse struct {
	SHA string `json:"sha"`
}

type treeResponse struct {
	SHA  string `json:"sha"`
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

type compareResponse struct {
	Status string `json:"status"`
	Files  []struct {
		Filename         string `json:"filename"`
		PreviousFilename string `json:"previous_filename"`
		Status           string `json:"status"`
	} `json:"files"`
}

// HeadCommit returns the sha at the head of the configured branch.
func (c *HTTPClient) HeadCommit(ctx context.Context) (string, error) {
	var resp commitResponse
	if err := c.getJSON(ctx, "commit", c.repoPath("commits", url.PathEscape(c.repo.Branch)), &resp); err != nil {
		return "", err
	}
	if resp.SHA == "" {
		return "", syncerr.New(syncerr.Malformed, "head commit", errors.New("response has no sha"))
	}
	return resp.SHA, nil
}

// Tree returns the recursive tree at ref. A truncated listing or one without any blob is
// Malformed: pruning against it would delete files that still exist remotely.
func (c *HTTPClient) Tree(ctx context.Context, ref string) ([]Entry, error) {
	var resp treeResponse
	if err := c.getJSON(ctx, "tree", c.repoPath("git", "trees", url.PathEscape(ref))+"?recursive=1", &resp); err != nil {
		return nil, err
	}
	if resp.Truncated {
		return nil, syncerr.New(syncerr.Malformed, "tree",
			fmt.Errorf("listing truncated after %d entries", len(resp.Tree)))
	}

	entries := make([]Entry, 0, len(resp.Tree))
	blobs := 0
	for _, item := range resp.Tree {
		if item.Path == "" {
			return nil, syncerr.New(syncerr.Malformed, "tree", errors.New("entry without path"))
		}
		kind := EntryKind(item.Type)
		if kind == KindBlob {
			blobs++
		}
		entries = append(entries, Entry{Path: item.Path, Kind: kind})
	}
	if blobs == 0 {
		return nil, syncerr.New(syncerr.Malformed, "tree",
			fmt.Errorf("no files in tree (%d entries)", len(resp.Tree)))
	}
	return entries, nil
}

// Compare lists the files changed between base and head.
func (c *HTTPClient) Compare(ctx context.Context, base, head string) ([]Change, error) {
	var resp compareResponse
	spec := url.PathEscape(base) + "..." + url.PathEscape(head)
	if err := c.getJSON(ctx, "compare", c.repoPath("compare", spec), &resp); err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(resp.Files))
	for _, f := range resp.Files {
		if f.Filename == "" || f.Status == "" {
			return nil, syncerr.New(syncerr.Malformed, "compare",
				fmt.Errorf("file entry without filename or status (%d files)", len(resp.Files)))
		}
		changes = append(changes, Change{
			Path:         f.Filename,
			PreviousPath: f.PreviousFilename,
			Status:       Status(f.Status),
		})
	}
	return changes, nil
}

// FetchContent downloads path at ref from the raw content host.
func (c *HTTPClient) FetchContent(ctx context.Context, ref, path string) ([]byte, error) {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	target := strings.Join([]string{
		c.rawURL,
		url.PathEscape(c.repo.Owner),
		url.PathEscape(c.repo.Name),
		url.PathEscape(ref),
		strings.Join(segments, "/"),
	}, "/")

	body, err := c.get(ctx, "content", target)
	if err != nil {
		var se *syncerr.Error
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return body, nil
}

func (c *HTTPClient) repoPath(parts ...string) string {
	return c.apiURL + "/repos/" + url.PathEscape(c.repo.Owner) + "/" + url.PathEscape(c.repo.Name) + "/" + strings.Join(parts, "/")
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint, target string, out any) error {
	body, err := c.get(ctx, endpoint, target)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return syncerr.New(syncerr.Malformed, endpoint,
			fmt.Errorf("decode %d-byte payload starting %q: %w", len(body), preview(body), err))
	}
	return nil
}

// get performs one GET and classifies the outcome.
func (c *HTTPClient) get(ctx context.Context, endpoint, target string) (_ []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "remote."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", target),
			attribute.String("repo", c.repo.Owner+"/"+c.repo.Name),
		))
	status := 0
	defer func() {
		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.observe != nil {
			c.observe(endpoint, status)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.Network, endpoint, err)
	}
	req.Header.Set("User-Agent", "addonsyncd")
	if endpoint != "content" {
		req.Header.Set("Accept", "application/vnd.github+json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.Network, endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	status = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, syncerr.New(syncerr.RateLimited, endpoint, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, syncerr.New(syncerr.NotFound, endpoint, fmt.Errorf("HTTP %d for %s", resp.StatusCode, target))
	default:
		return nil, syncerr.New(syncerr.Network, endpoint, fmt.Errorf("unexpected HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, syncerr.New(syncerr.Network, endpoint, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func preview(body []byte) string {
	const n = 32
	if len(body) > n {
		return string(body[:n])
	}
	return string(body)
}
