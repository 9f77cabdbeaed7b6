// Package claude classifies traffic camera frames with Claude vision models
// through the Anthropic SDK.
package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/imaging"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
)

const (
	tracerName       = "github.com/linnemanlabs/roadwatch/internal/llm/claude"
	defaultMaxTokens = 1024
	requestTimeout   = 120 * time.Second
)

// messageSender is the subset of the SDK message service the classifier uses.
type messageSender interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Options configures a Classifier.
type Options struct {
	APIKey    string
	Model     string
	Prompt    string // DefaultPrompt when empty
	MaxTokens int64
	Width     int // preprocessing size; <=0 keeps the original
	Height    int
}

// Classifier implements pipeline.Classifier.
type Classifier struct {
	messages  messageSender
	model     string
	prompt    string
	maxTokens int64
	width     int
	height    int
}

// New creates a classifier backed by the Anthropic API.
func New(opts Options) *Classifier {
	client := anthropic.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(requestTimeout),
	)
	return newWithSender(&client.Messages, opts)
}

func newWithSender(s messageSender, opts Options) *Classifier {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Classifier{
		messages:  s,
		model:     opts.Model,
		prompt:    opts.Prompt,
		maxTokens: opts.MaxTokens,
		width:     opts.Width,
		height:    opts.Height,
	}
}

// Classify resizes image, sends it to the model and decodes the findings.
func (c *Classifier) Classify(ctx context.Context, image []byte) (*pipeline.Classification, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "classifier.call", trace.WithAttributes(
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", c.model),
		attribute.Int("image.bytes", len(image)),
	))
	defer span.End()

	out, err := c.classify(ctx, image)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("classifier.outcome", string(out.Outcome)),
		attribute.Int("classifier.findings", len(out.Findings)),
		attribute.Int("gen_ai.usage.input_tokens", out.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", out.Usage.OutputTokens),
	)
	return out, nil
}

func (c *Classifier) classify(ctx context.Context, image []byte) (*pipeline.Classification, error) {
	prepared, err := imaging.Prepare(image, c.width, c.height)
	if err != nil {
		return nil, fmt.Errorf("preprocess image: %w", err)
	}

	msg, err := c.messages.New(ctx, c.params(prepared))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	return fromSDKResponse(msg)
}

func (c *Classifier) params(jpeg []byte) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: c.prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(jpeg)),
				anthropic.NewTextBlock("Report the traffic violations in this frame."),
			),
		},
	}
}

// fromSDKResponse turns the model reply into a classification.
func fromSDKResponse(msg *anthropic.Message) (*pipeline.Classification, error) {
	var text strings.Builder
	for i := range msg.Content {
		if msg.Content[i].Type == "text" {
			text.WriteString(msg.Content[i].Text)
		}
	}

	findings, err := parseFindings(text.String())
	if err != nil {
		return nil, err
	}

	out := &pipeline.Classification{
		Outcome:  pipeline.OutcomeNoFinding,
		Findings: findings,
		Model:    string(msg.Model),
		Usage: pipeline.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if len(findings) > 0 {
		out.Outcome = pipeline.OutcomeFindings
	}
	return out, nil
}
