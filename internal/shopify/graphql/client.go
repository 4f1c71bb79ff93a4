// Package graphql is the Admin API transport: a rate-limited, retrying
// POST of a GraphQL document that checks the response envelope for root
// errors before anything reads the data payload.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/internal/shopify/retry"
	"goshopify_bulk/metrics"
	"goshopify_bulk/pkg/clock"
	"goshopify_bulk/pkg/middleware"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 4.0
	defaultRateBurst = 8
	maxBodyInError   = 500
)

// Config configures a Client.
type Config struct {
	ShopDomain  string
	APIVersion  string
	AccessToken string

	// Endpoint overrides https://<shop>/admin/api/<version>/graphql.json.
	Endpoint string

	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Retry     retry.Policy

	// Transport is the base RoundTripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Option customises a Client.
type Option func(*Client)

// WithClock replaces the clock used for retry sleeps.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

// Client sends GraphQL documents to one shop. At most one request per
// Client is in flight at a time.
type Client struct {
	endpoint string
	auth     AuthEngine
	http     *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
	clock    clock.Clock
	log      *zap.Logger
	inflight chan struct{}
}

func NewClient(cfg Config, log *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("graphql: access token is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.ShopDomain == "" || cfg.APIVersion == "" {
			return nil, errors.New("graphql: shop domain and API version are required")
		}
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", cfg.ShopDomain, cfg.APIVersion)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		endpoint: endpoint,
		auth:     NewAccessTokenAuth(cfg.AccessToken),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: middleware.PrometheusTransport(cfg.Transport, "graphql"),
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		policy:   cfg.Retry,
		clock:    clock.Real(),
		log:      log.Named("graphql"),
		inflight: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

// Do sends query with variables and decodes the "data" member into out
// (out may be nil). Retryable failures are retried according to the
// policy; anything else is returned unmodified.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any, out any) error {
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.inflight }()

	payload, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal GraphQL request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		status, header, body, err := c.post(ctx, payload)

		class := retry.Classify(status)
		if err != nil {
			class = retry.ClassifyError(err)
		}
		if class == retry.Success {
			return decode(body, out)
		}

		hint, hasHint := retry.RetryAfter(header, c.clock.Now())
		decision := c.policy.Decide(attempt, class, hint, hasHint)
		if !decision.Retry {
			return &apierr.TransportError{
				Retryable:  class.Retryable(),
				StatusCode: status,
				Attempts:   attempt,
				Body:       truncate(body, maxBodyInError),
				Err:        err,
			}
		}

		c.log.Warn("retrying GraphQL request",
			zap.String("class", class.String()),
			zap.Int("status", status),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", decision.Wait),
			zap.Error(err),
		)
		metrics.RecordRetry(class.String())

		if err := c.clock.Sleep(ctx, decision.Wait); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, payload []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.auth.SetApiKey(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// decode checks the root "errors" member first, so an error response
// never reaches the payload decoding.
func decode(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to unmarshal GraphQL response: %w", err)
	}
	if errs := parseRootErrors(env.Errors); len(errs) > 0 {
		return &apierr.RemoteEnvelopeError{Errors: errs}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &apierr.ApiConsistencyError{Message: "GraphQL response carries neither data nor errors"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal GraphQL data: %w", err)
	}
	return nil
}

// parseRootErrors accepts the usual array of error objects as well as the
// bare string some Admin API failures return.
func parseRootErrors(raw json.RawMessage) []apierr.GraphQLError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []apierr.GraphQLError
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
		return []apierr.GraphQLError{{Message: msg}}
	}
	return []apierr.GraphQLError{{Message: string(raw)}}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
