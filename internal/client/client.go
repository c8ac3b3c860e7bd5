// Package client provides an HTTP client for the retrieval pipeline under test.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ricesearch/rag-bench/internal/pkg/errors"
	"github.com/ricesearch/rag-bench/internal/pkg/logger"
)

// Pipeline is the contract the seed and query stages depend on.
type Pipeline interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
	Query(ctx context.Context, req QueryRequest) ([]QueryResult, error)
}

// Client is an HTTP client for the pipeline's upload and query endpoints.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	uploadTimeout time.Duration
	queryTimeout  time.Duration
	limiter       *rate.Limiter
	log           *logger.Logger
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the pipeline service.
	BaseURL string

	// UploadTimeout bounds a single upload call. Ingestion chunks and embeds
	// server-side, so it is longer than QueryTimeout.
	UploadTimeout time.Duration

	// QueryTimeout bounds a single query call.
	QueryTimeout time.Duration

	// RateLimit paces calls in requests per second. Zero disables pacing.
	RateLimit float64

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections.
	MaxIdleConns int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration

	// Logger receives one line per request. Nil uses logger.Default().
	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		UploadTimeout:   120 * time.Second,
		QueryTimeout:    30 * time.Second,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new pipeline client.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = defaults.UploadTimeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaults.QueryTimeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		uploadTimeout: cfg.UploadTimeout,
		queryTimeout:  cfg.QueryTimeout,
		limiter:       limiter,
		log:           cfg.Logger,
		// Per-call deadlines come from the context; see Upload and Query.
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the pipeline base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	SourceType   string         `json:"source_type"`
	RawContent   string         `json:"raw_content"`
	Metadata     map[string]any `json:"metadata"`
	Title        *string        `json:"title,omitempty"`
	ChunkSize    *int           `json:"chunk_size,omitempty"`
	ChunkOverlap *int           `json:"chunk_overlap,omitempty"`
}

// UploadResponse is the body returned by POST /upload.
type UploadResponse struct {
	DocumentID string `json:"document_id"`
}

// QueryRequest is the body of POST /query. DocumentIDs is always sent when
// non-nil: an empty list restricts the query to no documents.
type QueryRequest struct {
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	DocumentIDs []string `json:"document_ids"`
}

// QueryResult is a single ranked hit.
type QueryResult struct {
	DocumentID string  `json:"document_id"`
	ChunkID    *string `json:"chunk_id,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`

	// Raw is the result object exactly as the pipeline returned it.
	Raw json.RawMessage `json:"-"`
}

type queryResultFields QueryResult

// UnmarshalJSON decodes the typed fields and keeps the original bytes.
func (r *QueryResult) UnmarshalJSON(data []byte) error {
	var f queryResultFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = QueryResult(f)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the pipeline's original bytes when they are known, so
// fields the client does not model survive into run artifacts.
func (r QueryResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(queryResultFields(r))
}

// QueryResponse is the body returned by POST /query.
type QueryResponse struct {
	Results []QueryResult `json:"results"`
}

// APIError represents a non-success response from the pipeline.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Detail
	}
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
}

// Upload sends one document and returns the pipeline-assigned document id.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if req.SourceType == "" {
		req.SourceType = "manual"
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	c.log.Debug("POST /upload", "title", title, "bytes", len(req.RawContent))

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	var resp UploadResponse
	if err := c.post(ctx, "/upload", req, &resp); err != nil {
		return "", errors.TransportError("upload failed", err)
	}
	if resp.DocumentID == "" {
		return "", errors.TransportError("upload failed", fmt.Errorf("response has no document_id"))
	}

	c.log.Debug("POST /upload done", "title", title, "document_id", resp.DocumentID)
	return resp.DocumentID, nil
}

// Query runs a retrieval query and returns the ranked results.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]QueryResult, error) {
	c.log.Debug("POST /query", "top_k", req.TopK, "documents", len(req.DocumentIDs))

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var resp QueryResponse
	if err := c.post(ctx, "/query", req, &resp); err != nil {
		return nil, errors.TransportError("query failed", err)
	}
	for i, r := range resp.Results {
		if r.DocumentID == "" {
			return nil, errors.TransportError("query failed", fmt.Errorf("results[%d] has no document_id", i))
		}
	}
	if resp.Results == nil {
		resp.Results = []QueryResult{}
	}

	c.log.Debug("POST /query done", "results", len(resp.Results))
	return resp.Results, nil
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request.
func (c *Client) do(req *http.Request, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.TimeoutError(req.Method+" "+req.URL.Path, err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		// Best effort: pipelines that return a JSON error body get a richer message.
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
