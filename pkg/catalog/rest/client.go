package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lakegate/lakegate/pkg/engine"
)

const tracerName = "github.com/lakegate/lakegate/pkg/catalog/rest"

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the catalog base URL, e.g. "http://catalog:8181".
	Endpoint string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds every call except imports (default: 30s).
	Timeout time.Duration

	// ImportTimeout bounds import calls (default: 10m).
	ImportTimeout time.Duration

	// RateLimit is the request rate in requests per second (default: 20).
	RateLimit float64

	// RateBurst is the maximum burst (default: 10).
	RateBurst int

	// UserAgent (default: "lakegate").
	UserAgent string

	// Transport allows injecting a custom HTTP transport.
	Transport http.RoundTripper
}

// RequestObserver receives the latency of every catalog call.
type RequestObserver interface {
	RecordCatalogRequest(operation, outcome string, duration time.Duration)
}

// Client is an engine.CatalogClient speaking the catalog protocol over HTTP.
//
// The client does not retry. Every failure is classified so the coordinator's
// retry policies can decide; a call that exceeds its timeout fails with a
// transient TIMEOUT error whose remote outcome is unknown.
type Client struct {
	config     ClientConfig
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	observer   RequestObserver
	logger     zerolog.Logger
}

var _ engine.CatalogClient = (*Client)(nil)

// ClientOption configures optional client collaborators.
type ClientOption func(*Client)

// WithObserver records call latencies.
func WithObserver(o RequestObserver) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a catalog client.
func NewClient(config ClientConfig, opts ...ClientOption) (*Client, error) {
	if config.Endpoint == "" {
		return nil, engine.NewValidationError("catalog endpoint is required", nil)
	}
	base, err := url.Parse(strings.TrimSuffix(config.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid catalog endpoint %q", config.Endpoint), err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ImportTimeout <= 0 {
		config.ImportTimeout = 10 * time.Minute
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "lakegate"
	}

	c := &Client{
		config:     config,
		base:       base,
		httpClient: &http.Client{Transport: config.Transport},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		tracer:     otel.Tracer(tracerName),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "catalog-client").Logger()
	return c, nil
}

// BranchExists reports whether the branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := c.GetBranch(ctx, name)
	if engine.HasCode(err, engine.ErrCodeRefNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetBranch returns the branch and its head.
func (c *Client) GetBranch(ctx context.Context, name string) (*engine.Branch, error) {
	var b engine.Branch
	if err := c.call(ctx, "get_branch", http.MethodGet, "/branches/"+url.PathEscape(name), nil, &b, c.config.Timeout); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBranch creates name from fromRef.
func (c *Client) CreateBranch(ctx context.Context, name, fromRef string) (*engine.Branch, error) {
	var b engine.Branch
	req := createBranchRequest{Name: name, FromRef: fromRef}
	if err := c.call(ctx, "create_branch", http.MethodPost, "/branches", req, &b, c.config.Timeout); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBranch deletes the branch.
func (c *Client) DeleteBranch(ctx context.Context, name string) (bool, error) {
	var resp deleteBranchResponse
	if err := c.call(ctx, "delete_branch", http.MethodDelete, "/branches/"+url.PathEscape(name), nil, &resp, c.config.Timeout); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// ListBranches returns the branches whose names start with prefix.
func (c *Client) ListBranches(ctx context.Context, prefix string) ([]engine.Branch, error) {
	path := "/branches"
	if prefix != "" {
		path += "?" + url.Values{"prefix": []string{prefix}}.Encode()
	}
	var branches []engine.Branch
	if err := c.call(ctx, "list_branches", http.MethodGet, path, nil, &branches, c.config.Timeout); err != nil {
		return nil, err
	}
	return branches, nil
}

// CreateTable creates or replaces a table on a branch.
func (c *Client) CreateTable(ctx context.Context, req engine.CreateTableRequest) error {
	return c.call(ctx, "create_table", http.MethodPost, "/tables", req, nil, c.config.ImportTimeout)
}

// TableFiles lists the source URIs already imported into a table at ref.
func (c *Client) TableFiles(ctx context.Context, ref, namespace, table string) ([]string, error) {
	path := "/tables/" + url.PathEscape(namespace) + "/" + url.PathEscape(table) + "/files?" +
		url.Values{"ref": []string{ref}}.Encode()
	var resp tableFilesResponse
	if err := c.call(ctx, "table_files", http.MethodGet, path, nil, &resp, c.config.Timeout); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// ImportData imports source files onto a branch.
func (c *Client) ImportData(ctx context.Context, req engine.ImportRequest) (*engine.ImportOutcome, error) {
	var out engine.ImportOutcome
	if err := c.call(ctx, "import_data", http.MethodPost, "/imports", req, &out, c.config.ImportTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// MergeBranch merges source into target with an expected-head check.
func (c *Client) MergeBranch(ctx context.Context, req engine.MergeRequest) (*engine.MergeOutcome, error) {
	var out engine.MergeOutcome
	if err := c.call(ctx, "merge", http.MethodPost, "/merges", req, &out, c.config.Timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs sql against ref.
func (c *Client) Query(ctx context.Context, sql, ref string) (*engine.Rows, error) {
	var rows engine.Rows
	if err := c.call(ctx, "query", http.MethodPost, "/query", queryRequest{SQL: sql, Ref: ref}, &rows, c.config.Timeout); err != nil {
		return nil, err
	}
	return &rows, nil
}

// call performs one request. in and out may be nil.
func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}, timeout time.Duration) (err error) {
	ctx, span := c.tracer.Start(ctx, "catalog."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("catalog.operation", op),
			attribute.String("http.request.method", method),
		),
	)
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(engine.ClassOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.observer != nil {
			c.observer.RecordCatalogRequest(op, outcome, time.Since(start))
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return engine.NewTransientError("rate limiter", err).WithCode(engine.ErrCodeTransientIO).WithOperation(op)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return engine.NewFatalError("failed to encode request", err).WithCode(engine.ErrCodeInternal).WithOperation(op)
		}
		body = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, c.base.String()+APIPrefix+path, body)
	if err != nil {
		return engine.NewFatalError("failed to build request", err).WithCode(engine.ErrCodeInternal).WithOperation(op)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody ErrorResponse
		if json.Unmarshal(data, &errBody) != nil {
			return decodeError(op, resp.StatusCode, nil)
		}
		return decodeError(op, resp.StatusCode, &errBody)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewTransientError("failed to decode response", err).WithCode(engine.ErrCodeTransientIO).WithOperation(op)
	}
	return nil
}

// transportError classifies a failed round trip. A caller cancellation is
// returned as is; an expired call timeout leaves the remote outcome unknown.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn().Str("operation", op).Msg("Catalog call timed out")
		return engine.NewTransientError("catalog call timed out", err).WithCode(engine.ErrCodeTimeout).WithOperation(op)
	}
	return engine.NewTransientError("catalog unreachable", err).WithCode(engine.ErrCodeTransientIO).WithOperation(op)
}
