// Package amocrm is a rate-limited client for the amoCRM v4 REST API.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sells-group/ident-sync/internal/resilience"
)

const (
	apiPrefix        = "/api/v4"
	defaultBatchSize = 50
	defaultPageLimit = 250
	maxPages         = 40
	maxErrorBody     = 2048
)

// TokenSource supplies bearer tokens. Refresh is called after a 401 and must
// return a token different from the one that was rejected.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Client defines the amoCRM operations the sync engine uses. Every call
// passes through one shared limiter.
type Client interface {
	ListLeads(ctx context.Context, q LeadQuery) ([]Lead, error)
	GetLeads(ctx context.Context, ids []int) ([]Lead, error)
	ListContacts(ctx context.Context, q ContactQuery) ([]Contact, error)
	CreateContacts(ctx context.Context, contacts []Contact) ([]int, error)
	UpdateContact(ctx context.Context, contact Contact) error
	CreateLeads(ctx context.Context, leads []Lead) ([]int, error)
	UpdateLead(ctx context.Context, lead Lead) error
	Account(ctx context.Context) (*Account, error)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLimiter replaces the default 7 req/s limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetry sets the backoff policy for 429, 5xx and transport failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithCircuitBreaker sets the breaker guarding the destination.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

// WithBatchSize sets how many ids GetLeads puts in one request.
func WithBatchSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPageLimit sets the page size of list requests.
func WithPageLimit(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL   string
	tokens    TokenSource
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	batchSize int
	pageLimit int
	log       *zap.Logger
}

// NewClient creates a client for the account at baseURL
// (https://<subdomain>.amocrm.ru).
func NewClient(baseURL string, tokens TokenSource, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   NewLimiter(DefaultRequestsPerSecond),
		retry:     resilience.DefaultRetryConfig(),
		batchSize: defaultBatchSize,
		pageLimit: defaultPageLimit,
		log:       zap.L().With(zap.String("component", "amocrm")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("amocrm")
	}
	return c
}

type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
}

func (c *httpClient) newRequest(method, path string, query url.Values, body any) (request, error) {
	r := request{method: method, path: apiPrefix + path, query: query}
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return r, eris.Wrap(err, "marshal request")
		}
		r.body = buf
	}
	return r, nil
}

// call runs one logical request: retry with backoff around the circuit
// breaker around a rate-limited, auth-aware send. It returns the final HTTP
// status.
func (c *httpClient) call(ctx context.Context, r request, out any) (int, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (int, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (int, error) {
			return c.send(ctx, r, out)
		})
	})
}

func (c *httpClient) send(ctx context.Context, r request, out any) (int, error) {
	tok, err := c.tokens.Token(ctx)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = eris.New("no access token")
	}
	if err != nil {
		return 0, c.authError(r, err)
	}

	for replayed := false; ; replayed = true {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, eris.Wrap(err, "amocrm: wait for rate limiter")
		}

		resp, err := c.roundTrip(ctx, r, tok)
		if err != nil {
			if ctx.Err() != nil {
				return 0, eris.Wrap(ctx.Err(), "amocrm: request cancelled")
			}
			apiErr := &APIError{Kind: KindTransport, Method: r.method, Path: r.path, Message: err.Error(), Err: err}
			return 0, resilience.NewTransientError(apiErr, 0)
		}

		if resp.StatusCode == http.StatusUnauthorized && !replayed {
			drain(resp)
			c.log.Info("access token rejected, refreshing", zap.String("path", r.path))
			tok, err = c.tokens.Refresh(ctx)
			if err == nil && (tok == nil || tok.AccessToken == "") {
				err = eris.New("refresh returned no access token")
			}
			if err != nil {
				return 0, c.authError(r, err)
			}
			continue
		}

		return c.decode(r, resp, out)
	}
}

func (c *httpClient) roundTrip(ctx context.Context, r request, tok *oauth2.Token) (*http.Response, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)
	return c.http.Do(req)
}

func (c *httpClient) decode(r request, resp *http.Response, out any) (int, error) {
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr := &APIError{Kind: KindTransport, StatusCode: 0, Method: r.method, Path: r.path, Message: err.Error(), Err: err}
		return resp.StatusCode, resilience.NewTransientError(apiErr, 0)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 || out == nil {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, eris.Wrapf(err, "amocrm: decode %s %s", r.method, r.path)
		}
		return resp.StatusCode, nil
	}

	apiErr := &APIError{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Method:     r.method,
		Path:       r.path,
		Message:    errorMessage(body),
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		te := resilience.NewTransientError(apiErr, resp.StatusCode)
		te.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return resp.StatusCode, te
	}
	return resp.StatusCode, apiErr
}

func (c *httpClient) authError(r request, err error) error {
	return &APIError{Kind: KindAuth, Method: r.method, Path: r.path, Message: err.Error(), Err: err}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// errorMessage extracts title, detail and validation errors from an amoCRM
// problem+json body.
func errorMessage(body []byte) string {
	var problem struct {
		Title            string          `json:"title"`
		Detail           string          `json:"detail"`
		Hint             string          `json:"hint"`
		ValidationErrors json.RawMessage `json:"validation-errors"`
	}
	if err := json.Unmarshal(body, &problem); err == nil && (problem.Title != "" || problem.Detail != "") {
		parts := []string{}
		for _, s := range []string{problem.Title, problem.Detail, problem.Hint} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		msg := strings.Join(parts, ": ")
		if len(problem.ValidationErrors) > 0 {
			msg += " " + string(problem.ValidationErrors)
		}
		return msg
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
