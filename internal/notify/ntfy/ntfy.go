// Package ntfy publishes violation notifications to an ntfy topic.
package ntfy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const (
	userAgent      = "roadwatch"
	defaultTimeout = 10 * time.Second
)

// Notifier posts plain-text messages to a topic URL.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// New returns a notifier for the topic URL (e.g. https://ntfy.sh/roadwatch).
// An empty URL makes Notify a no-op.
func New(topicURL string) *Notifier {
	return &Notifier{
		endpoint: strings.TrimSpace(topicURL),
		client:   &http.Client{Timeout: defaultTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name identifies the channel in logs and metrics.
func (n *Notifier) Name() string { return "ntfy" }

// Notify publishes one persisted violation.
func (n *Notifier) Notify(ctx context.Context, note *violation.Notification) error {
	if n.endpoint == "" {
		return nil
	}
	r := note.Record

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(message(note)))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", "Roadwatch - "+r.Type)
	req.Header.Set("Tags", strings.Join([]string{"rotating_light", "roadwatch", r.Type}, ","))
	if p := priority(r.Confidence); p != "" {
		req.Header.Set("Priority", p)
	}

	resp, err := n.client.Do(req) //nolint:gosec // endpoint is operator-configured
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func message(note *violation.Notification) string {
	r := note.Record
	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s (confidence %.2f)", r.Type, r.Timestamp.Format("2006-01-02 15:04:05"), r.Confidence)
	if r.PositionDescription != "" {
		fmt.Fprintf(&b, "\n%s", r.PositionDescription)
	}
	if r.Latitude != nil && r.Longitude != nil {
		fmt.Fprintf(&b, "\nLocation: %.5f, %.5f", *r.Latitude, *r.Longitude)
	}
	if r.ImagePath != "" {
		fmt.Fprintf(&b, "\nImage: %s", r.ImagePath)
	}
	if note.Recipient != "" {
		fmt.Fprintf(&b, "\nFor: %s", note.Recipient)
	}
	return b.String()
}

func priority(confidence float64) string {
	if confidence >= 0.8 {
		return "high"
	}
	return ""
}
