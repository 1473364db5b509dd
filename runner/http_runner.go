package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultTimeout = 30 * time.Second

	DefaultUserAgent = "llmshell"

	chatPath     = "/api/chat"
	maxErrorBody = 512
)

// ErrMalformedResponse is returned when the endpoint answers 2xx with a body
// that has no message content.
var ErrMalformedResponse = errors.New("malformed response")

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad http code %d: %s", e.Code, e.Body)
}

type HTTPRunner struct {
	client    *http.Client
	baseURL   string
	timeout   time.Duration
	userAgent string
}

type HTTPRunnerOption func(runner *HTTPRunner)

func WithClient(c *http.Client) HTTPRunnerOption {
	return func(runner *HTTPRunner) {
		runner.client = c
	}
}

// WithBaseURL sets the endpoint root. Trailing slashes are dropped.
func WithBaseURL(baseURL string) HTTPRunnerOption {
	return func(runner *HTTPRunner) {
		runner.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout bounds a single request, connection and body read included.
func WithTimeout(timeout time.Duration) HTTPRunnerOption {
	return func(runner *HTTPRunner) {
		runner.timeout = timeout
	}
}

func WithUserAgent(ua string) HTTPRunnerOption {
	return func(runner *HTTPRunner) {
		runner.userAgent = ua
	}
}

func NewHTTPRunner(opts ...HTTPRunnerOption) HTTPRunner {
	h := HTTPRunner{
		client:    http.DefaultClient,
		baseURL:   DefaultBaseURL,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
	}

	for _, opt := range opts {
		opt(&h)
	}

	return h
}

// Endpoint returns the full chat URL.
func (h HTTPRunner) Endpoint() string {
	return h.baseURL + chatPath
}

func (h HTTPRunner) Chat(ctx context.Context, q ChatRequest) (r ChatResponse, err error) {
	var buf bytes.Buffer
	err = json.NewEncoder(&buf).Encode(q)
	if err != nil {
		return r, xerrors.Errorf("encode request: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint(), &buf)
	if err != nil {
		return r, xerrors.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return r, xerrors.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return r, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(s))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r, xerrors.Errorf("read response: %w", err)
	}

	// Unmarshal rejects trailing data after the JSON value.
	var reply chatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return r, xerrors.Errorf("decode response: %v: %w", err, ErrMalformedResponse)
	}
	if reply.Message == nil || reply.Message.Content == nil {
		return r, xerrors.Errorf("no message content in response: %w", ErrMalformedResponse)
	}

	return ChatResponse{
		Model: reply.Model,
		Message: Message{
			Role:    reply.Message.Role,
			Content: *reply.Message.Content,
		},
		Done: reply.Done,
	}, nil
}

// chatReply tells a missing content field apart from an empty one.
type chatReply struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}
