// Package httpprovider is the JSON-over-HTTP client shared by the remote
// providers. It adds credentials, rate limits requests, validates response
// bodies against a JSON schema and classifies failures for the retry engine.
package httpprovider

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

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/sunrich/adreel/internal/retry"
	"github.com/sunrich/adreel/pipeline"
)

const defaultMaxResponseBytes = 32 << 20

// Config configures a Client.
type Config struct {
	Name     string
	Endpoint string

	// Credentials are sent either as a header or as a query parameter.
	APIKey           string
	APIKeyHeader     string
	APIKeyPrefix     string
	QueryAPIKeyParam string

	Headers map[string]string

	// RequestsPerMinute limits outgoing requests; zero disables the limiter.
	RequestsPerMinute int
	MaxResponseBytes  int64

	// Schema is a JSON schema every JSON response must satisfy.
	Schema string

	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client sends requests for one provider.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	schema  *jsonschema.Schema
	logger  *log.Logger
}

// StatusError is a non-2xx response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// New creates a client. The schema, when set, is compiled up front.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("httpprovider: name is required")
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	c := &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.WithPrefix(cfg.Name),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	if cfg.Schema != "" {
		schema, err := compileSchema(cfg.Name, cfg.Schema)
		if err != nil {
			return nil, err
		}
		c.schema = schema
	}
	return c, nil
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	resource := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.cfg.Name }

// Configured reports whether the client has an endpoint and, when the
// provider needs one, an API key.
func (c *Client) Configured() bool {
	if c.cfg.Endpoint == "" {
		return false
	}
	needsKey := c.cfg.APIKeyHeader != "" || c.cfg.QueryAPIKeyParam != ""
	return !needsKey || c.cfg.APIKey != ""
}

// DoJSON sends body as JSON and decodes the validated response into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.DoRaw(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	if c.schema != nil {
		if err := validateAgainstSchema(c.schema, raw); err != nil {
			return fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedOutput, c.cfg.Name, err)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedOutput, c.cfg.Name, err)
	}
	return nil
}

// DoRaw sends the request and returns the raw response body. Client errors
// other than 408 and 429 are marked permanent so the chain moves on.
func (c *Client) DoRaw(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if !c.Configured() {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", pipeline.ErrProviderUnavailable, c.cfg.Name))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint, err := c.url(path, query)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyPrefix+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.cfg.Name, err)
	}
	if int64(len(data)) > c.cfg.MaxResponseBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: %s: response exceeds %d bytes",
			pipeline.ErrMalformedOutput, c.cfg.Name, c.cfg.MaxResponseBytes))
	}

	c.logger.Debug("Request finished", "method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Provider: c.cfg.Name, StatusCode: resp.StatusCode, Body: snippet(data)}
		if serr.Retryable() {
			return nil, serr
		}
		return nil, retry.Permanent(serr)
	}
	return data, nil
}

func (c *Client) url(path string, query url.Values) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(c.cfg.Endpoint, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := base.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.cfg.QueryAPIKeyParam != "" && c.cfg.APIKey != "" {
		q.Set(c.cfg.QueryAPIKeyParam, c.cfg.APIKey)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
