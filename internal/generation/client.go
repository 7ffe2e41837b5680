// Package generation calls an OpenAI-compatible chat-completions back-end to
// generate images, videos and analyses.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/pkg/schema"
)

// Config configures the client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string        // default model for images and analysis
	VideoModel string        // default model for videos; falls back to Model
	Timeout    time.Duration // per attempt
	MaxRetries int           // total attempts for retryable failures
	RetryDelay time.Duration
	Stream     bool
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gemini-2.5-flash-image",
		Timeout:    120 * time.Second,
		MaxRetries: 10,
		Stream:     true,
	}
}

// Request is one generation call.
type Request struct {
	Kind      schema.GenerationType
	Model     string
	Prompt    string
	System    string
	Size      string
	Duration  string
	Reference []schema.ReferenceMedia
}

// Result is the parsed model output.
type Result struct {
	Model    string  `json:"model"`
	Text     string  `json:"text,omitempty"`
	Assets   []Asset `json:"assets,omitempty"`
	Attempts int     `json:"attempts"`
	raw      string
}

// Raw returns the unprocessed model content.
func (r *Result) Raw() string { return r.raw }

// Client is safe for concurrent use.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewClient builds a client from cfg.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{}

	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Generate sends req, retrying quota and timeout failures up to MaxRetries
// attempts. Other failures return immediately.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is required")
	}
	chat := c.buildRequest(req)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		content, err := c.call(ctx, chat)
		if err == nil {
			res := parseContent(content)
			res.Model = chat.Model
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "generation cancelled").WithCause(ctx.Err())
		}
		reason := retryReason(err)
		if reason == "" || attempt == c.cfg.MaxRetries {
			break
		}
		c.logger.WarnContext(ctx, "generation attempt failed, retrying",
			"attempt", attempt, "reason", reason, "error", err)
		if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "generation cancelled").WithCause(err)
		}
	}
	return nil, classify(lastErr)
}

func (c *Client) buildRequest(req Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
		if req.Kind == schema.GenerationTypeVideo {
			model = c.cfg.VideoModel
		}
	}

	prompt := req.Prompt
	var hints []string
	if req.Size != "" {
		hints = append(hints, "size: "+req.Size)
	}
	if req.Duration != "" {
		hints = append(hints, "duration: "+req.Duration)
	}
	if len(hints) > 0 {
		prompt += "\n(" + strings.Join(hints, ", ") + ")"
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, m := range req.Reference {
		if m.Kind == "video" {
			parts[0].Text += "\nreference video: " + m.URL
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: m.URL},
		})
	}

	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})

	return openai.ChatCompletionRequest{Model: model, Messages: msgs, Stream: c.cfg.Stream}
}

func (c *Client) call(ctx context.Context, chat openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if !chat.Stream {
		resp, err := c.api.CreateChatCompletion(ctx, chat)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", schema.NewError(schema.ErrCodeExecution, "empty response from model")
		}
		return resp.Choices[0].Message.Content, nil
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, chat)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	// Large inline images only arrive complete when every delta is joined.
	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	return sb.String(), nil
}

var quotaKeywords = []string{
	"exceeded your current quota",
	"quota exceeded",
	"billing details",
	"plan and billing",
}

// retryReason returns "quota" or "timeout" for retryable failures, "" otherwise.
func retryReason(err error) string {
	msg := strings.ToLower(err.Error())
	for _, k := range quotaKeywords {
		if strings.Contains(msg, k) {
			return "quota"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return "timeout"
	}
	return ""
}

// classify maps a transport or API failure onto a FlowError code.
func classify(err error) error {
	if err == nil {
		return schema.NewError(schema.ErrCodeExecution, "generation failed")
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return schema.NewErrorf(schema.ErrCodeAuth, "generation service rejected credentials (status %d)", status).WithCause(err)
	case retryReason(err) == "timeout":
		return schema.NewError(schema.ErrCodeTimeout, "generation timed out").WithCause(err)
	default:
		return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("generation failed: %v", err)).WithCause(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
