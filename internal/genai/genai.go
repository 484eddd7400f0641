// Package genai provides the LLM intent classifier backed by the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/classifier"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// Defaults for the classification call.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 40
	DefaultRatePerSec  = 5.0
	DefaultBurst       = 10
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoAPIKey is returned when neither an option nor OPENAI_API_KEY provides a key.
	ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client classifies free text into one of a closed set of labels.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	limiter     *rate.Limiter
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int64
	RatePerSec  float64
	Burst       int
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithRateLimit caps outgoing requests per second across all conversations.
func WithRateLimit(perSec float64, burst int) Option {
	return func(o *Opts) {
		o.RatePerSec = perSec
		o.Burst = burst
	}
}

// WithDebug writes every request and response as JSON under stateDir/debug.
func WithDebug(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	c := &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: DefaultTemperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if cfg.Temperature != nil {
		c.temperature = *cfg.Temperature
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	perSec, burst := cfg.RatePerSec, cfg.Burst
	if perSec <= 0 {
		perSec = DefaultRatePerSec
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)

	slog.Debug("genai.NewClient: client created", "model", c.model, "ratePerSec", perSec, "burst", burst)
	return c, nil
}

var _ classifier.IntentClassifier = (*Client)(nil)

// Classify asks the model to pick one of cc.Labels for text. The caller bounds the call with ctx and
// must validate the returned label.
func (c *Client) Classify(ctx context.Context, text string, cc classifier.ClassifyContext) (classifier.LLMResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifier.LLMResult{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classificationPrompt(cc)),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Warn("genai.Classify: completion failed", "error", err, "elapsed", time.Since(start))
		return classifier.LLMResult{}, err
	}
	c.writeDebug("Classify", params, resp)
	if len(resp.Choices) == 0 {
		return classifier.LLMResult{}, ErrNoChoicesReturned
	}

	out := ParseClassification(resp.Choices[0].Message.Content)
	slog.Debug("genai.Classify: classified", "label", out.Label, "confidence", out.Confidence, "elapsed", time.Since(start))
	return out, nil
}

func classificationPrompt(cc classifier.ClassifyContext) string {
	var b strings.Builder
	b.WriteString("You classify WhatsApp messages sent to a booking assistant of a small business")
	if cc.Domain != "" {
		b.WriteString(" (" + cc.Domain + ")")
	}
	b.WriteString(". Messages are usually in Brazilian Portuguese. ")
	if cc.ActiveFlow != "" {
		fmt.Fprintf(&b, "The customer is in the middle of the %s flow at step %s. ", cc.ActiveFlow, cc.Step)
	}
	b.WriteString("Answer with a single JSON object {\"intent\": <label>, \"confidence\": <0..1>} and nothing else. ")
	b.WriteString("Use exactly one of these labels: ")
	b.WriteString(strings.Join(cc.Labels, ", "))
	b.WriteString(". If none fits, use \"general\".")
	return b.String()
}

// ParseClassification reads the model's answer. A bare label is accepted with a default confidence.
func ParseClassification(content string) classifier.LLMResult {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var out classifier.LLMResult
	if err := json.Unmarshal([]byte(content), &out); err == nil && out.Label != "" {
		out.Label = strings.TrimSpace(out.Label)
		if out.Confidence <= 0 || out.Confidence > 1 {
			out.Confidence = 0.6
		}
		return out
	}

	label := strings.Trim(content, "\"' .")
	if fields := strings.Fields(label); len(fields) == 2 {
		if conf, err := strconv.ParseFloat(fields[1], 64); err == nil && conf > 0 && conf <= 1 {
			return classifier.LLMResult{Label: fields[0], Confidence: conf}
		}
	}
	return classifier.LLMResult{Label: label, Confidence: 0.6}
}

func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.writeDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", strings.ToLower(method), time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.writeDebug: write failed", "error", err)
	}
}
