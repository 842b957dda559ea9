// Package analyzer calls an OpenAI-compatible chat endpoint to produce a
// personality analysis for a piece of text.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pario-ai/persona/pkg/models"
)

// Defaults for the Gemini OpenAI-compatible endpoint.
const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.0-flash"
)

var (
	// ErrTimeout means the call did not finish before its deadline.
	ErrTimeout = errors.New("analyzer timeout")
	// ErrQuotaExhausted means the provider refused the call for quota or rate reasons.
	ErrQuotaExhausted = errors.New("analyzer quota exhausted")
	// ErrMalformedResponse means the provider answered with unusable content.
	ErrMalformedResponse = errors.New("malformed analyzer response")
	// ErrUnavailable covers transport failures and other provider errors.
	ErrUnavailable = errors.New("analyzer unavailable")
)

// Analyzer produces an AnalysisResult for sanitized text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (models.AnalysisResult, error)
}

// Func adapts a function to Analyzer.
type Func func(ctx context.Context, text string) (models.AnalysisResult, error)

// Analyze calls f.
func (f Func) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	return f(ctx, text)
}

const systemPrompt = `You are a psychological language analyst trained in personality assessment based on written communication.

Analyze the user's writing using the Big Five (OCEAN) personality model and the MBTI system. Consider linguistic tone, emotional depth, vocabulary complexity, subject matter, and implicit preferences. The user is fluent in English and expresses themselves naturally.

Return ONLY a valid JSON object with the following fields (no additional text):
{
    "openness": 0.0-1.0,
    "conscientiousness": 0.0-1.0,
    "extraversion": 0.0-1.0,
    "agreeableness": 0.0-1.0,
    "neuroticism": 0.0-1.0,
    "mbti_type": "4-letter MBTI type",
    "tone_analysis": "brief tone description",
    "writing_style": "brief style description",
    "summary": "brief personality summary"
}`

// Options configures a Client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRetries  int
	Temperature float64
	MaxTokens   int64
	// RequestsPerMinute throttles outbound calls. 0 disables throttling.
	RequestsPerMinute int
	Logger            *zap.Logger
	// ClientOptions are appended after the ones derived above.
	ClientOptions []option.RequestOption
}

// Client is an Analyzer backed by an OpenAI-compatible API.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("analyzer: api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1000
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.BaseURL),
		option.WithMaxRetries(opts.MaxRetries),
	}
	reqOpts = append(reqOpts, opts.ClientOptions...)

	c := &Client{
		client:      openai.NewClient(reqOpts...),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      opts.Logger,
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Analyze sends text to the model and parses its JSON answer. The caller
// bounds the call with ctx; retries are left to the underlying client.
func (c *Client) Analyze(ctx context.Context, text string) (models.AnalysisResult, error) {
	if strings.TrimSpace(text) == "" {
		return models.AnalysisResult{}, fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.AnalysisResult{}, fmt.Errorf("%w: waiting for outbound slot: %v", ErrTimeout, err)
		}
	}

	start := time.Now()
	jsonObjectFormat := shared.NewResponseFormatJSONObjectParam()
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage("Analyze this text:\n" + text),
		},
		Model:       shared.ChatModel(c.model),
		Temperature: param.NewOpt(c.temperature),
		MaxTokens:   param.NewOpt(c.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &jsonObjectFormat,
		},
	})
	if err != nil {
		err = classify(ctx, err)
		c.logger.Warn("analyzer call failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return models.AnalysisResult{}, err
	}

	if len(completion.Choices) == 0 {
		return models.AnalysisResult{}, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}

	result, err := Parse(completion.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("analyzer response rejected", zap.String("model", c.model), zap.Error(err))
		return models.AnalysisResult{}, err
	}

	c.logger.Debug("analyzer call completed",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("total_tokens", completion.Usage.TotalTokens),
	)
	return result, nil
}

// classify maps a client error onto one of the package sentinels.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || isQuotaMessage(apiErr.Message) {
			return fmt.Errorf("%w: status %d: %s", ErrQuotaExhausted, apiErr.StatusCode, apiErr.Message)
		}
		if apiErr.StatusCode == 408 || apiErr.StatusCode == 504 {
			return fmt.Errorf("%w: status %d", ErrTimeout, apiErr.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func isQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "resource exhausted")
}
