package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// HTTPError is a non-success response from the relay API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// pollResponse is the body of GET /v1/devices/{id}/events.
type pollResponse struct {
	Events []transport.Frame `json:"events"`
	Cursor string            `json:"cursor"`
}

// fetchResponse is the body of GET /v1/conversations/{id}/messages.
type fetchResponse struct {
	Messages []transport.WireMessage `json:"messages"`
}

// permissionResponse is the body of GET /v1/conversations/{id}/permissions.
type permissionResponse struct {
	CanSend bool `json:"canSend"`
	CanRead bool `json:"canRead"`
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithRateLimit caps outbound requests per second. A non-positive limit
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *HTTPClient) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock sets the clock used for retry waits.
func WithClock(clock interfaces.Clock) Option {
	return func(c *HTTPClient) { c.clock = clock }
}

// WithRetryDelay sets the base and maximum wait between retries.
func WithRetryDelay(base, max time.Duration) Option {
	return func(c *HTTPClient) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithMalformedHandler is told about frames and messages dropped while
// decoding responses.
func WithMalformedHandler(handler transport.MalformedHandler) Option {
	return func(c *HTTPClient) { c.onMalformed = handler }
}

var (
	_ transport.PollClient      = (*HTTPClient)(nil)
	_ interfaces.MessageFetcher = (*HTTPClient)(nil)
	_ interfaces.Authorizer     = (*HTTPClient)(nil)
)

// HTTPClient talks to the relay's request/response API. It implements
// transport.PollClient, interfaces.MessageFetcher and interfaces.Authorizer.
type HTTPClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	config      interfaces.CollaboratorConfig
	limiter     *rate.Limiter
	clock       interfaces.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	onMalformed transport.MalformedHandler
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, config interfaces.CollaboratorConfig, opts ...Option) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collaborator config: %w", err)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("http client requires a base URL")
	}

	c := &HTTPClient{
		baseURL:   baseURL,
		config:    config,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: config.NetworkTimeout}
	}
	c.clock = interfaces.ClockOrReal(c.clock)

	logrus.WithFields(logrus.Fields{
		"function": "NewHTTPClient",
		"base_url": baseURL,
		"timeout":  config.NetworkTimeout,
		"retries":  config.RetryAttempts,
	}).Info("Creating relay API client")

	return c, nil
}

// Poll implements transport.PollClient. Frames that fail to decode are
// dropped; the cursor still advances past them.
func (c *HTTPClient) Poll(ctx context.Context, deviceID, cursor string) (transport.PollResult, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/events"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp pollResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return transport.PollResult{}, err
	}

	result := transport.PollResult{Cursor: resp.Cursor, Events: make([]transport.Event, 0, len(resp.Events))}
	for _, frame := range resp.Events {
		ev, err := transport.DecodeEvent(frame, transport.KindPolling)
		if err != nil {
			c.dropMalformed("HTTPClient.Poll", err)
			continue
		}
		result.Events = append(result.Events, ev)
	}
	return result, nil
}

// Send implements transport.PollClient.
func (c *HTTPClient) Send(ctx context.Context, msg messaging.Message) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/messages", transport.ToWire(msg), nil)
}

// FetchSince implements interfaces.MessageFetcher.
func (c *HTTPClient) FetchSince(ctx context.Context, conversationID string, since time.Time) ([]messaging.Message, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var resp fetchResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	msgs := make([]messaging.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msg, err := transport.FromWire(w)
		if err != nil {
			c.dropMalformed("HTTPClient.FetchSince", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// CanSend implements interfaces.Authorizer. A 403 response is a negative
// answer rather than an error.
func (c *HTTPClient) CanSend(ctx context.Context, deviceID, conversationID string) (bool, error) {
	perm, err := c.permissions(ctx, deviceID, conversationID)
	return perm.CanSend, err
}

// CanRead implements interfaces.Authorizer.
func (c *HTTPClient) CanRead(ctx context.Context, deviceID, conversationID string) (bool, error) {
	perm, err := c.permissions(ctx, deviceID, conversationID)
	return perm.CanRead, err
}

func (c *HTTPClient) permissions(ctx context.Context, deviceID, conversationID string) (permissionResponse, error) {
	q := url.Values{}
	q.Set("device", deviceID)
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/permissions?" + q.Encode()

	var resp permissionResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden {
		return permissionResponse{}, nil
	}
	return resp, err
}

func (c *HTTPClient) dropMalformed(function string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"error":    err.Error(),
	}).Warn("Dropping malformed entry from API response")
	if c.onMalformed != nil {
		c.onMalformed(transport.KindPolling, err)
	}
}

// doJSON issues one API call, retrying network errors, 429 and 5xx
// responses up to RetryAttempts times.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.config.RetryAttempts && ctx.Err() == nil {
				c.logRetry(method, requestPath, attempt+1, err)
				if waitErr := c.wait(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.config.RetryAttempts {
			c.logRetry(method, requestPath, attempt+1, fmt.Errorf("status %d", resp.StatusCode))
			if waitErr := c.wait(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) logRetry(method, path string, attempt int, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "HTTPClient.doJSON",
		"method":   method,
		"path":     path,
		"attempt":  attempt,
		"error":    err.Error(),
	}).Warn("API request failed, retrying")
}

// retryDelay doubles the base delay per attempt, honoring Retry-After when
// the server provides it. Both are capped at the maximum delay.
func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func (c *HTTPClient) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(delay):
		return nil
	}
}
