package capture

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/hashing"
	"github.com/linnemanlabs/roadwatch/internal/imaging"
)

// Directory source defaults.
const (
	DefaultRescanInterval = 60 * time.Second
	DefaultEnqueuePause   = 100 * time.Millisecond
)

// DirectoryConfig configures a Directory source.
type DirectoryConfig struct {
	Dir            string
	RescanInterval time.Duration
	Pause          time.Duration // between successful enqueues
	EnqueueTimeout time.Duration
}

// Directory enqueues every image file in Dir, then rescans periodically so
// new files are picked up.
type Directory struct {
	cfg    DirectoryConfig
	now    func() time.Time
	emit   *emitter
	logger log.Logger

	runner
}

// NewDirectory builds a directory source.
func NewDirectory(cfg DirectoryConfig, seen Seen, q Queue, hooks Hooks, logger log.Logger) *Directory {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultRescanInterval
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	logger = logger.With("source", "directory", "dir", cfg.Dir)
	return &Directory{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		emit: &emitter{
			source:  "directory",
			seen:    seen,
			queue:   q,
			timeout: cfg.EnqueueTimeout,
			hooks:   hooks,
			logger:  logger,
			verify:  decodable,
		},
	}
}

// Name implements Source.
func (d *Directory) Name() string { return "directory" }

// State implements Source.
func (d *Directory) State() State { return d.current() }

// Start begins scanning. A missing directory is logged on every pass rather
// than failing Start, so files can be dropped in later.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.start(ctx, d.loop); err != nil {
		return err
	}
	d.logger.Info(ctx, "capture started", "rescan_interval", d.cfg.RescanInterval.String())
	return nil
}

// Stop ends scanning and waits for the loop to exit.
func (d *Directory) Stop() error {
	d.stop()
	return nil
}

func (d *Directory) loop(ctx context.Context) {
	for {
		d.scan(ctx)
		if !sleep(ctx, d.cfg.RescanInterval) {
			return
		}
	}
}

// scan makes one pass over the directory in name order.
func (d *Directory) scan(ctx context.Context) {
	entries, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		d.logger.Warn(ctx, "failed to list input directory", "err", err.Error())
		return
	}

	var found int
	for _, e := range entries {
		if e.IsDir() || !imaging.Supported(e.Name()) {
			continue
		}
		found++
		if ctx.Err() != nil {
			return
		}
		if d.offer(ctx, filepath.Join(d.cfg.Dir, e.Name())) == OutcomeEnqueued {
			if !sleep(ctx, d.cfg.Pause) {
				return
			}
		}
	}
	d.logger.Info(ctx, "directory scan complete", "images", found)
}

func (d *Directory) offer(ctx context.Context, path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from ReadDir of the configured inbox
	if err != nil {
		d.logger.Warn(ctx, "failed to read image", "path", path, "err", err.Error())
		if d.emit.hooks.OnFrame != nil {
			d.emit.hooks.OnFrame("directory", OutcomeFailed)
		}
		return OutcomeFailed
	}
	return d.emit.emit(ctx, frame.New(data, d.now(), hashing.Sum(data), path))
}

func decodable(data []byte) error {
	_, _, err := imaging.Decode(data)
	return err
}

// sleep waits for dur or ctx. It reports false if ctx ended first.
func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
