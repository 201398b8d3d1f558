package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apihttp "github.com/GriffinCanCode/AgentOS/workerhost/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/launcher"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/id"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("workerhost unavailable: circuit breaker open")

// APIError is a non-2xx reply from the control API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workerhost: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the control API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type errorBody struct {
	Error string `json:"error"`
}

// LaunchResponse is the reply to a launch
type LaunchResponse struct {
	ID        id.LaunchID `json:"id"`
	Pid       int         `json:"pid"`
	FromSpare bool        `json:"from_spare"`
}

// WorkerList is the reply to ListWorkers
type WorkerList struct {
	Workers []launcher.WorkerInfo `json:"workers"`
	Stats   launcher.Stats        `json:"stats"`
}

// Client talks to a workerhost control API
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.resty.SetTimeout(d)
	}
}

// WithRetry retries transport errors and 5xx replies
func WithRetry(count int, minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.resty.SetRetryCount(count).
			SetRetryWaitTime(minWait).
			SetRetryMaxWaitTime(maxWait)
	}
}

// WithRateLimit caps outgoing requests per second
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker replaces the default breaker
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// New creates a client for the API at baseURL
func New(baseURL string, opts ...Option) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60*time.Second).
		SetHeader("User-Agent", "AgentOS-WorkerHost-Client/1.0").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})

	c := &Client{
		resty:   r,
		limiter: rate.NewLimiter(rate.Inf, 0),
		breaker: resilience.New("workerhost-client", resilience.Settings{
			FailureThreshold: 5,
			Cooldown:         10 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState returns the state of the client's breaker
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var apiErr *APIError
	err := c.breaker.Do(func() error {
		req := c.resty.R().
			SetContext(ctx).
			SetHeader(middleware.RequestIDHeader, string(id.NewRequestID())).
			SetError(&errorBody{})
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			msg := resp.Status()
			if eb, ok := resp.Error().(*errorBody); ok && eb.Error != "" {
				msg = eb.Error
			}
			apiErr = &APIError{Status: resp.StatusCode(), Message: msg}
			// Only server faults count against the breaker
			if resp.StatusCode() >= http.StatusInternalServerError {
				return apiErr
			}
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err != nil {
		return err
	}
	if apiErr != nil {
		return apiErr
	}
	return nil
}

// Launch starts a worker
func (c *Client) Launch(ctx context.Context, req apihttp.LaunchRequest) (LaunchResponse, error) {
	var out LaunchResponse
	err := c.do(ctx, http.MethodPost, "/v1/workers", req, &out)
	return out, err
}

// ListWorkers returns registered workers and launcher stats
func (c *Client) ListWorkers(ctx context.Context) (WorkerList, error) {
	var out WorkerList
	err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &out)
	return out, err
}

// Stop stops the worker running as pid
func (c *Client) Stop(ctx context.Context, pid int) error {
	return c.do(ctx, http.MethodDelete, "/v1/workers/"+strconv.Itoa(pid), nil, nil)
}

// Kill kills the worker running as pid; its death is reported as
// killed by the embedder
func (c *Client) Kill(ctx context.Context, pid int) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+strconv.Itoa(pid)+"/kill", nil, nil)
}

// SetPriority applies a priority to pid
func (c *Client) SetPriority(ctx context.Context, pid int, prio launcher.Priority) error {
	return c.do(ctx, http.MethodPut, "/v1/workers/"+strconv.Itoa(pid)+"/priority", prio, nil)
}

// SetInForeground marks pid foreground-important or background-normal
func (c *Client) SetInForeground(ctx context.Context, pid int, foreground bool) error {
	body := map[string]bool{"foreground": foreground}
	return c.do(ctx, http.MethodPut, "/v1/workers/"+strconv.Itoa(pid)+"/foreground", body, nil)
}

// IsOomProtected reports the OOM protection of a live or dead worker
func (c *Client) IsOomProtected(ctx context.Context, pid int) (bool, error) {
	var out struct {
		OomProtected bool `json:"oom_protected"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/workers/"+strconv.Itoa(pid)+"/oom", nil, &out)
	return out.OomProtected, err
}

// BroughtToForeground reports the embedder became visible
func (c *Client) BroughtToForeground(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/lifecycle/foreground", nil, nil)
}

// SentToBackground reports the embedder was hidden
func (c *Client) SentToBackground(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/lifecycle/background", nil, nil)
}

// TrimMemory asks the host to shed moderate bindings
func (c *Client) TrimMemory(ctx context.Context, level string) error {
	return c.do(ctx, http.MethodPost, "/v1/memory/trim", map[string]string{"level": level}, nil)
}

// LowMemory asks the host to release every moderate binding
func (c *Client) LowMemory(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/memory/low", nil, nil)
}

// WarmUp binds a spare connection; reports whether a new one was created
func (c *Client) WarmUp(ctx context.Context, req apihttp.WarmUpRequest) (bool, error) {
	var out struct {
		Created bool `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/spare", req, &out)
	return out.Created, err
}

// Slots returns how many worker services pkg declares
func (c *Client) Slots(ctx context.Context, pkg string, sandboxed bool) (int, error) {
	var out struct {
		Slots int `json:"slots"`
	}
	q := url.Values{"package": {pkg}, "sandboxed": {strconv.FormatBool(sandboxed)}}
	path := "/v1/slots?" + q.Encode()
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Slots, err
}

// Health returns the raw health document
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
