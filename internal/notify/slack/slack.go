// Package slack posts violation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const (
	maxDescriptionLen = 3000
	httpTimeout       = 10 * time.Second
)

// Notifier sends violation records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name identifies the channel in logs and metrics.
func (n *Notifier) Name() string { return "slack" }

// Notify posts one persisted violation to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, note *violation.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(n *violation.Notification) map[string]any {
	r := n.Record
	return map[string]any{
		"text": fmt.Sprintf("Traffic violation: %s", r.Type),
		"blocks": []map[string]any{
			headerBlock(r),
			fieldsBlock(n),
			{"type": "divider"},
			descriptionBlock(r),
			contextBlock(r),
		},
	}
}

func headerBlock(r *violation.Record) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s Traffic violation: %s", confidenceEmoji(r.Confidence), r.Type),
		},
	}
}

func fieldsBlock(n *violation.Notification) map[string]any {
	r := n.Record
	field := func(label, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}

	fields := []map[string]any{
		field("Type", r.Type),
		field("Confidence", fmt.Sprintf("%.0f%%", r.Confidence*100)),
		field("Captured", r.Timestamp.Format("2006-01-02 15:04:05")),
		field("Box", r.BBox.String()),
		field("Location", location(r)),
	}
	if n.Recipient != "" {
		fields = append(fields, field("For", n.Recipient))
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func descriptionBlock(r *violation.Record) map[string]any {
	text := truncate(r.PositionDescription, maxDescriptionLen)
	if text == "" {
		text = "_No position description._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Where*\n%s", text),
		},
	}
}

func contextBlock(r *violation.Record) map[string]any {
	text := fmt.Sprintf("roadwatch • violation %d • hash %s", r.ID, r.ImageHash)
	if r.ImagePath != "" {
		text += " • " + r.ImagePath
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func location(r *violation.Record) string {
	if r.Latitude == nil || r.Longitude == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.5f, %.5f", *r.Latitude, *r.Longitude)
}

func confidenceEmoji(c float64) string {
	switch {
	case c >= 0.8:
		return "\U0001f534" // red circle
	case c >= 0.5:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
