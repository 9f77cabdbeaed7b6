package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/hashing"
	"github.com/linnemanlabs/roadwatch/internal/snapshot"
)

// DefaultCaptureInterval is the camera cadence when none is configured.
const DefaultCaptureInterval = 30 * time.Second

// Device is an open camera. Read returns one encoded frame.
type Device interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// OpenFunc opens the camera device. It is called on every Start.
type OpenFunc func(ctx context.Context) (Device, error)

// CameraConfig configures a Camera source.
type CameraConfig struct {
	Name           string
	Interval       time.Duration
	FrameDir       string // empty disables writing live frames
	EnqueueTimeout time.Duration
}

// Camera captures one frame per interval from a Device.
type Camera struct {
	cfg    CameraConfig
	open   OpenFunc
	now    func() time.Time
	emit   *emitter
	logger log.Logger

	runner
	dev Device
}

// NewCamera builds a camera source. The device is opened on Start.
func NewCamera(cfg CameraConfig, open OpenFunc, seen Seen, q Queue, hooks Hooks, logger log.Logger) *Camera {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Name == "" {
		cfg.Name = "camera"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCaptureInterval
	}
	logger = logger.With("source", cfg.Name)
	return &Camera{
		cfg:    cfg,
		open:   open,
		now:    time.Now,
		logger: logger,
		emit: &emitter{
			source:  cfg.Name,
			seen:    seen,
			queue:   q,
			timeout: cfg.EnqueueTimeout,
			hooks:   hooks,
			logger:  logger,
		},
	}
}

// Name implements Source.
func (c *Camera) Name() string { return c.cfg.Name }

// State implements Source.
func (c *Camera) State() State { return c.current() }

// Start opens the device and begins capturing immediately, then once per
// interval.
func (c *Camera) Start(ctx context.Context) error {
	if c.current() != StateStopped {
		return ErrAlreadyRunning
	}
	// A loop that ended with its parent context leaves its device open.
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			c.logger.Warn(ctx, "failed to close previous camera device", "err", err.Error())
		}
		c.dev = nil
	}
	dev, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", c.cfg.Name, err)
	}
	c.dev = dev

	if err := c.start(ctx, c.loop); err != nil {
		_ = dev.Close()
		return err
	}
	c.logger.Info(ctx, "capture started", "interval", c.cfg.Interval.String())
	return nil
}

// Stop ends the capture loop and releases the device.
func (c *Camera) Stop() error {
	c.stop()
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	c.logger.Info(context.Background(), "capture stopped")
	if err != nil {
		return fmt.Errorf("close camera %s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Camera) loop(ctx context.Context) {
	dev := c.dev
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.captureOnce(ctx, dev)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Camera) captureOnce(ctx context.Context, dev Device) {
	data, err := dev.Read(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn(ctx, "failed to capture frame from camera", "err", err.Error())
			if c.emit.hooks.OnFrame != nil {
				c.emit.hooks.OnFrame(c.cfg.Name, OutcomeFailed)
			}
		}
		return
	}

	f := frame.New(data, c.now(), hashing.Sum(data), c.cfg.Name)
	if c.cfg.FrameDir != "" {
		if _, err := snapshot.Save(c.cfg.FrameDir, f); err != nil {
			c.logger.Warn(ctx, "failed to write live frame", "err", err.Error())
		}
	}
	c.emit.emit(ctx, f)
}
