package translate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/vitali87/llm-shell/metrics"
	"github.com/vitali87/llm-shell/runner"
)

const (
	// Template wraps every prompt before it is sent to the model.
	Template = "Translate this command to its actual shell command(s). Return ONLY the command, no explanations: %s"

	// RequestTemperature is sent with every request, regardless of Config.Temperature.
	RequestTemperature = 0.1

	DefaultModel      = "mistral"
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second

	previewLength = 50
)

// Config is the read-only per-run client configuration.
type Config struct {
	Model      string
	MaxRetries int
	RetryDelay time.Duration
	// Temperature is the configured batch temperature. It is not forwarded;
	// requests always use RequestTemperature.
	Temperature float64
	// Rate limits attempts per second across all workers. Zero disables limiting.
	Rate float64
}

func DefaultConfig() Config {
	return Config{
		Model:      DefaultModel,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Client turns prompts into shell commands. It is safe for concurrent use.
type Client struct {
	runner  runner.NetRunner
	logger  *zap.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter

	// immutable
	config Config
}

type Option func(c *Client)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(r runner.NetRunner, logger *zap.Logger, config Config, opts ...Option) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}

	c := &Client{
		runner: r,
		logger: logger,
		config: config,
	}
	if config.Rate > 0 {
		burst := int(config.Rate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.Rate), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Config returns the configuration the client was built with, after defaults.
func (c *Client) Config() Config {
	return c.config
}

// BuildRequest wraps prompt into the instruction template.
func BuildRequest(model, prompt string) runner.ChatRequest {
	return runner.ChatRequest{
		Model: model,
		Messages: []runner.Message{
			{Role: "user", Content: fmt.Sprintf(Template, prompt)},
		},
		Stream:      false,
		Temperature: RequestTemperature,
	}
}

// Send translates a single prompt, retrying up to MaxRetries times with
// RetryDelay between attempts. It never fails: exhausted retries yield a
// Failure result.
func (c *Client) Send(ctx context.Context, prompt string) Result {
	req := BuildRequest(c.config.Model, prompt)

	for attempt := 0; ; attempt++ {
		command, err := c.query(ctx, req)
		if err == nil {
			c.metrics.Result(Success.String())
			return success(prompt, command, attempt+1)
		}

		if attempt >= c.config.MaxRetries {
			c.logger.Warn("Failed to generate command",
				zap.String("prompt", preview(prompt)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			c.metrics.Result(Failure.String())
			return failure(prompt, attempt+1)
		}

		c.logger.Warn("Retrying prompt",
			zap.String("retry", fmt.Sprintf("%d/%d", attempt+1, c.config.MaxRetries)),
			zap.String("prompt", preview(prompt)+"..."),
			zap.Error(err),
		)
		c.metrics.Retry()
		c.wait(ctx, c.config.RetryDelay)
	}
}

func (c *Client) query(ctx context.Context, req runner.ChatRequest) (s string, err error) {
	start := time.Now()
	defer func() {
		c.logger.With(
			zap.String("model", req.Model),
			zap.String("answer", s),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		).Debug("queried model")
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", xerrors.Errorf("wait for rate limiter: %w", err)
		}
	}

	done := c.metrics.TrackInflight()
	r, err := c.runner.Chat(ctx, req)
	done()
	c.metrics.ObserveRequest(time.Since(start), err)
	if err != nil {
		return "", xerrors.Errorf("query model: %w", err)
	}

	return strings.TrimSpace(r.Message.Content), nil
}

// wait blocks the calling worker for d. A done context cuts it short.
func (c *Client) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func preview(prompt string) string {
	if utf8.RuneCountInString(prompt) <= previewLength {
		return prompt
	}
	return string([]rune(prompt)[:previewLength])
}
