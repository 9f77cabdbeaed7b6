// Package httpcam reads frames from a network camera's still-image endpoint.
package httpcam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	maxFrameBytes  = 32 << 20
)

// ErrEmptyFrame is returned when the camera answers with no body.
var ErrEmptyFrame = errors.New("camera returned an empty frame")

// Camera fetches one JPEG per Read from a snapshot URL.
type Camera struct {
	url    string
	client *http.Client
}

// Open validates url with one request so a wrong address fails at startup.
func Open(ctx context.Context, url string, client *http.Client) (*Camera, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("snapshot url %q: scheme must be http or https", url)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	c := &Camera{url: url, client: client}
	if _, err := c.Read(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Read fetches the current frame.
func (c *Camera) Read(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png")

	resp, err := c.client.Do(req) //nolint:gosec // URL is operator-configured
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	return data, nil
}

// Close implements capture.Device. HTTP cameras hold no session.
func (c *Camera) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
