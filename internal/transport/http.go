// Package transport implements the progress transport over HTTP: the
// analysis service's async submit endpoint and its Server-Sent Events stream.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/progress"
)

const (
	submitPath = "/api/analyze/async"
	streamPath = "/api/analyze/stream/"

	// DefaultSubmitTimeout bounds the submit request. Streams have no timeout.
	DefaultSubmitTimeout = 30 * time.Second

	// DefaultResponseHeaderTimeout bounds the wait for response headers, so a
	// stream that is accepted but never answered fails and is retried.
	DefaultResponseHeaderTimeout = 30 * time.Second

	// DefaultVersionConstraint is the range of service versions this client speaks.
	DefaultVersionConstraint = ">= 1.0.0, < 2.0.0"

	// RequestIDHeader carries a per-request id for correlating service logs.
	RequestIDHeader = "X-Request-ID"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// HTTPTransport reaches the analysis service over HTTP.
type HTTPTransport struct {
	baseURL       string
	httpClient    *http.Client
	authToken     string
	submitTimeout time.Duration
	headerTimeout time.Duration
	log           *logging.Logger
}

var _ progress.Transport = (*HTTPTransport)(nil)

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client. Its Timeout must be zero or the
// client will cut long-lived streams.
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTPTransport) {
		t.httpClient = client
	}
}

// WithResponseHeaderTimeout bounds the wait for response headers of the
// default HTTP client. It has no effect together with WithHTTPClient.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.headerTimeout = d
	}
}

// WithAuthToken sets a bearer token sent with every request.
func WithAuthToken(token string) Option {
	return func(t *HTTPTransport) {
		t.authToken = token
	}
}

// WithSubmitTimeout bounds the submit request.
func WithSubmitTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.submitTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *HTTPTransport) {
		t.log = l
	}
}

// NewHTTPTransport creates a transport for the service at baseURL.
func NewHTTPTransport(baseURL string, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:       strings.TrimRight(baseURL, "/"),
		submitTimeout: DefaultSubmitTimeout,
		headerTimeout: DefaultResponseHeaderTimeout,
		log:           logging.With("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.httpClient == nil {
		rt := http.DefaultTransport.(*http.Transport).Clone()
		rt.ResponseHeaderTimeout = t.headerTimeout
		t.httpClient = &http.Client{
			Transport: rt,
			Timeout:   0, // No timeout for streaming connections
		}
	}
	return t
}

// BaseURL returns the base URL of the analysis service.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

type submitRequest struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Submit starts an analysis job and returns its id. Failures are returned
// as *progress.SubmissionError.
func (t *HTTPTransport) Submit(ctx context.Context, key progress.SubjectKey) (string, error) {
	body, err := json.Marshal(submitRequest{Symbol: key.Symbol, Market: key.Market})
	if err != nil {
		return "", &progress.SubmissionError{Message: "failed to encode request", Err: err}
	}

	if t.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.submitTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return "", &progress.SubmissionError{Message: "failed to create request", Err: err}
	}
	requestID := t.prepare(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", &progress.SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &progress.SubmissionError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &progress.SubmissionError{
			StatusCode: resp.StatusCode,
			Message:    errorDetail(data),
		}
	}

	var parsed submitResponse
	if err := json.Unmarshal(progress.Sanitize(data), &parsed); err != nil {
		return "", &progress.SubmissionError{Message: "malformed response body", Err: err}
	}
	if !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = "service reported failure"
		}
		return "", &progress.SubmissionError{Message: msg}
	}
	if parsed.JobID == "" {
		return "", &progress.SubmissionError{Message: "response is missing job_id"}
	}

	t.log.Debug("job submitted", "job_id", parsed.JobID, "request_id", requestID, "symbol", key.String())
	return parsed.JobID, nil
}

// Open subscribes to the event stream of a job.
func (t *HTTPTransport) Open(ctx context.Context, jobID string) (progress.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+streamPath+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	t.prepare(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, errorDetail(body))
	}

	return newSSEStream(resp.Body), nil
}

// ServiceInfo is the service's self-description from its root endpoint.
type ServiceInfo struct {
	Service   string `json:"service"`
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ServiceInfo fetches the service description.
func (t *HTTPTransport) ServiceInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := t.getJSON(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health checks the service's health endpoint.
func (t *HTTPTransport) Health(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := t.getJSON(ctx, "/health", &health); err != nil {
		return err
	}
	if health.Status != "healthy" {
		return fmt.Errorf("service reported status %q", health.Status)
	}
	return nil
}

// CheckVersion reports whether the service version satisfies constraint.
// An empty constraint uses DefaultVersionConstraint.
func CheckVersion(info *ServiceInfo, constraint string) error {
	if constraint == "" {
		constraint = DefaultVersionConstraint
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		return fmt.Errorf("invalid service version %q: %w", info.Version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("service version %s does not satisfy %s", v, constraint)
	}
	return nil
}

func (t *HTTPTransport) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	t.prepare(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, errorDetail(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// prepare sets the headers shared by every request and returns the request id.
func (t *HTTPTransport) prepare(req *http.Request) string {
	id := uuid.New().String()
	req.Header.Set(RequestIDHeader, id)
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	return id
}

// errorDetail extracts a human-readable reason from an error body. FastAPI
// reports errors as {"detail": ...}; the service's own payloads use "error".
func errorDetail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		var detail string
		if len(parsed.Detail) > 0 && json.Unmarshal(parsed.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if len(parsed.Detail) > 0 && string(parsed.Detail) != "null" {
			return string(parsed.Detail)
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}
