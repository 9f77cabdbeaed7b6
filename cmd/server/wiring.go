package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/roadwatch/internal/capture"
	"github.com/linnemanlabs/roadwatch/internal/capture/cvcam"
	"github.com/linnemanlabs/roadwatch/internal/capture/httpcam"
	vc "github.com/linnemanlabs/roadwatch/internal/cfg"
	"github.com/linnemanlabs/roadwatch/internal/notify"
	"github.com/linnemanlabs/roadwatch/internal/notify/ntfy"
	"github.com/linnemanlabs/roadwatch/internal/notify/slack"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
	"github.com/linnemanlabs/roadwatch/internal/violation"
	"github.com/linnemanlabs/roadwatch/internal/violation/pgstore"
	"github.com/linnemanlabs/roadwatch/internal/violation/sqlitestore"
)

const snapshotTimeout = 15 * time.Second

// lockPath is the single-instance lock file: next to the SQLite database, or
// in the violation directory when PostgreSQL is used.
func lockPath(c *vc.Config) string {
	if c.DatabaseURL != "" {
		return filepath.Join(c.ViolationDir, "."+appName+".lock")
	}
	return c.DatabasePath + ".lock"
}

// openStore opens the configured backend and returns it with its name.
func openStore(ctx context.Context, c *vc.Config) (violation.Store, string, error) {
	if c.DatabaseURL != "" {
		s, err := pgstore.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("pgstore init: %w", err)
		}
		return s, "postgres", nil
	}
	s, err := sqlitestore.Open(ctx, c.DatabasePath)
	if err != nil {
		return nil, "", fmt.Errorf("sqlitestore init: %w", err)
	}
	return s, "sqlite", nil
}

// openCamera returns the device opener for -camera-device.
func openCamera(target vc.CameraTarget) capture.OpenFunc {
	if target.IsURL() {
		client := &http.Client{
			Timeout:   snapshotTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		return func(ctx context.Context) (capture.Device, error) {
			cam, err := httpcam.Open(ctx, target.URL, client)
			if err != nil {
				return nil, err
			}
			return cam, nil
		}
	}
	return func(ctx context.Context) (capture.Device, error) {
		cam, err := cvcam.Open(ctx, target.Index)
		if err != nil {
			return nil, err
		}
		return cam, nil
	}
}

// newSource builds the configured capture source.
func newSource(c *vc.Config, seen capture.Seen, q capture.Queue, hooks capture.Hooks, L log.Logger) capture.Source {
	if c.Source == vc.SourceDirectory {
		return capture.NewDirectory(capture.DirectoryConfig{
			Dir:            c.InputDir,
			RescanInterval: c.RescanInterval(),
			Pause:          capture.DefaultEnqueuePause,
			EnqueueTimeout: c.EnqueueTimeout(),
		}, seen, q, hooks, L)
	}

	target := c.Camera()
	name := fmt.Sprintf("camera%d", target.Index)
	if target.IsURL() {
		name = "snapshot"
	}
	return capture.NewCamera(capture.CameraConfig{
		Name:           name,
		Interval:       c.CaptureInterval(),
		FrameDir:       c.FrameDir,
		EnqueueTimeout: c.EnqueueTimeout(),
	}, openCamera(target), seen, q, hooks, L)
}

// newNotifier fans out to every configured channel, or returns nil when none
// is configured.
func newNotifier(c *vc.Config, onResult func(channel string, err error)) (pipeline.Notifier, []string) {
	var channels []notify.Channel
	if c.SlackWebhookURL != "" {
		channels = append(channels, slack.New(c.SlackWebhookURL))
	}
	if c.NtfyURL != "" {
		channels = append(channels, ntfy.New(c.NtfyURL))
	}
	if len(channels) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	return notify.New(onResult, channels...), names
}
