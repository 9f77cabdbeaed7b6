package claude

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/roadwatch/internal/imaging"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const claudeTestModel = "claude-test"

type fakeSender struct {
	reply *anthropic.Message
	err   error
	got   anthropic.MessageNewParams
	calls int
}

func (f *fakeSender) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.calls++
	f.got = params
	return f.reply, f.err
}

func textReply(text string) *anthropic.Message {
	return &anthropic.Message{
		Model:      anthropic.Model(claudeTestModel),
		Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 480))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestClassify_Findings(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{reply: textReply("```json\n" + `{"violations":[{"type":"red_light","bbox":[100,200,300,400],"position_description":"stop line","confidence":0.95}]}` + "\n```")}
	c := newWithSender(sender, Options{Model: claudeTestModel, Width: 256, Height: 256})

	out, err := c.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Outcome != pipeline.OutcomeFindings {
		t.Errorf("Outcome = %q, want findings", out.Outcome)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(out.Findings))
	}
	f := out.Findings[0]
	if f.Type != "red_light" || f.BBox != (violation.BBox{100, 200, 300, 400}) || f.Confidence != 0.95 || f.PositionDescription != "stop line" {
		t.Errorf("finding = %+v", f)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 50 || out.Model != claudeTestModel {
		t.Errorf("usage/model = %+v / %q", out.Usage, out.Model)
	}
}

func TestClassify_SendsResizedJPEG(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{reply: textReply(`{"violations":[]}`)}
	c := newWithSender(sender, Options{Model: claudeTestModel, Width: 256, Height: 256})

	if _, err := c.Classify(context.Background(), testImage(t)); err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if string(sender.got.Model) != claudeTestModel {
		t.Errorf("model = %q", sender.got.Model)
	}
	if len(sender.got.System) != 1 || sender.got.System[0].Text != DefaultPrompt {
		t.Error("system prompt not set to DefaultPrompt")
	}
	if len(sender.got.Messages) != 1 || len(sender.got.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", sender.got.Messages)
	}
	img := sender.got.Messages[0].Content[0].OfImage
	if img == nil || img.Source.OfBase64 == nil {
		t.Fatal("first block should be a base64 image")
	}
	raw, err := base64.StdEncoding.DecodeString(img.Source.OfBase64.Data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	decoded, format, err := imaging.Decode(raw)
	if err != nil {
		t.Fatalf("decode sent image: %v", err)
	}
	if format != "jpeg" || decoded.Bounds().Dx() != 256 || decoded.Bounds().Dy() != 256 {
		t.Errorf("sent %s %v, want 256x256 jpeg", format, decoded.Bounds())
	}
}

func TestClassify_NoFinding(t *testing.T) {
	t.Parallel()

	for _, text := range []string{`{"violations":[]}`, `{}`, "no_violation", `"no_violation"`} {
		c := newWithSender(&fakeSender{reply: textReply(text)}, Options{Model: claudeTestModel})
		out, err := c.Classify(context.Background(), testImage(t))
		if err != nil {
			t.Fatalf("Classify(%q): %v", text, err)
		}
		if out.Outcome != pipeline.OutcomeNoFinding || len(out.Findings) != 0 {
			t.Errorf("Classify(%q) = %+v, want no finding", text, out)
		}
	}
}

func TestClassify_Errors(t *testing.T) {
	t.Parallel()

	apiErr := errors.New("connection reset")
	tests := []struct {
		name   string
		sender *fakeSender
		image  []byte
		want   error
	}{
		{"transport", &fakeSender{err: apiErr}, testImage(t), apiErr},
		{"empty text", &fakeSender{reply: textReply("  ")}, testImage(t), ErrEmptyResponse},
		{"not json", &fakeSender{reply: textReply("I see a car.")}, testImage(t), ErrMalformedResponse},
		{"bad image", &fakeSender{reply: textReply(`{}`)}, []byte("garbage"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newWithSender(tt.sender, Options{Model: claudeTestModel})
			out, err := c.Classify(context.Background(), tt.image)
			if err == nil {
				t.Fatalf("expected error, got %+v", out)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClassify_BadImageSkipsAPI(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{reply: textReply(`{}`)}
	c := newWithSender(sender, Options{Model: claudeTestModel})
	if _, err := c.Classify(context.Background(), []byte("garbage")); err == nil {
		t.Fatal("expected preprocessing error")
	}
	if sender.calls != 0 {
		t.Errorf("API called %d times for an undecodable image", sender.calls)
	}
}

func TestFromSDKResponse_IgnoresNonText(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "thinking", Thinking: "hmm"},
			{Type: "text", Text: `{"violations":[{"type":"speeding","bbox":[1,2,3,4],"position_description":"","confidence":0.6}]}`},
		},
	}
	out, err := fromSDKResponse(msg)
	if err != nil {
		t.Fatalf("fromSDKResponse: %v", err)
	}
	if len(out.Findings) != 1 || out.Findings[0].Type != "speeding" {
		t.Errorf("findings = %+v", out.Findings)
	}
}
