package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/queue"
)

func jpegBytes(t testing.TB, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := range 4 {
		for y := range 4 {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

type fakeSeen struct {
	mu     sync.Mutex
	hashes map[string]bool
	err    error
}

func (f *fakeSeen) Has(_ context.Context, h string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[h], f.err
}

func (f *fakeSeen) add(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes == nil {
		f.hashes = map[string]bool{}
	}
	f.hashes[h] = true
}

type fakeDevice struct {
	mu     sync.Mutex
	frames [][]byte
	reads  int
	err    error
	closed bool
}

func (d *fakeDevice) Read(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.frames) == 0 {
		return nil, errors.New("no frame")
	}
	f := d.frames[0]
	if len(d.frames) > 1 {
		d.frames = d.frames[1:]
	}
	return f, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

type outcomes struct {
	mu   sync.Mutex
	seen map[string]int
}

func (o *outcomes) hooks() Hooks {
	return Hooks{OnFrame: func(_, outcome string) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.seen == nil {
			o.seen = map[string]int{}
		}
		o.seen[outcome]++
	}}
}

func (o *outcomes) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seen[outcome]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newQueue(capacity int) *queue.Bounded[*frame.Frame] {
	return queue.New(capacity, frame.Key)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateStopped:  "stopped",
		StateRunning:  "running",
		StateStopping: "stopping",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCamera_CapturesImmediately(t *testing.T) {
	t.Parallel()

	frameDir := t.TempDir()
	dev := &fakeDevice{frames: [][]byte{jpegBytes(t, 1)}}
	q := newQueue(4)
	cam := NewCamera(CameraConfig{Interval: time.Hour, FrameDir: frameDir, EnqueueTimeout: time.Second},
		func(context.Context) (Device, error) { return dev, nil }, &fakeSeen{}, q, Hooks{}, log.Nop())

	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cam.Stop()

	waitFor(t, func() bool { return q.Len() == 1 })
	if cam.State() != StateRunning {
		t.Errorf("State = %v, want running", cam.State())
	}

	f, _ := q.Pop(context.Background(), 0)
	if f.Origin != "camera" || f.Hash == "" || f.ID == "" {
		t.Errorf("unexpected frame: %+v", f)
	}
	entries, _ := os.ReadDir(frameDir)
	if len(entries) != 1 {
		t.Errorf("frame dir entries = %d, want 1", len(entries))
	}
}

func TestCamera_SkipsProcessedFrames(t *testing.T) {
	t.Parallel()

	data := jpegBytes(t, 2)
	seen := &fakeSeen{}
	dev := &fakeDevice{frames: [][]byte{data}}
	q := newQueue(4)
	var oc outcomes
	cam := NewCamera(CameraConfig{Interval: 5 * time.Millisecond},
		func(context.Context) (Device, error) { return dev, nil }, seen, q, oc.hooks(), nil)

	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return q.Len() == 1 })

	item, _ := q.Pop(context.Background(), 0)
	seen.add(item.Hash)
	q.Done(item)

	waitFor(t, func() bool { return oc.count(OutcomeDuplicate) > 0 })
	_ = cam.Stop()

	if q.Len() != 0 {
		t.Errorf("processed frame was re-enqueued")
	}
}

func TestCamera_OpenFailureIsFatal(t *testing.T) {
	t.Parallel()

	openErr := errors.New("no such device")
	cam := NewCamera(CameraConfig{}, func(context.Context) (Device, error) { return nil, openErr },
		&fakeSeen{}, newQueue(1), Hooks{}, nil)

	err := cam.Start(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("Start err = %v, want %v", err, openErr)
	}
	if cam.State() != StateStopped {
		t.Errorf("State = %v, want stopped", cam.State())
	}
	if err := cam.Stop(); err != nil {
		t.Errorf("Stop on never-started camera: %v", err)
	}
}

func TestCamera_StartTwice(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{frames: [][]byte{jpegBytes(t, 3)}}
	cam := NewCamera(CameraConfig{Interval: time.Hour},
		func(context.Context) (Device, error) { return dev, nil }, &fakeSeen{}, newQueue(1), Hooks{}, nil)

	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cam.Stop()
	if err := cam.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestCamera_ReadErrorsContinue(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{err: errors.New("blank frame")}
	var oc outcomes
	cam := NewCamera(CameraConfig{Interval: 5 * time.Millisecond},
		func(context.Context) (Device, error) { return dev, nil }, &fakeSeen{}, newQueue(1), oc.hooks(), nil)

	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return dev.readCount() >= 3 })
	if cam.State() != StateRunning {
		t.Errorf("read failures should not stop the source")
	}
	_ = cam.Stop()
	if oc.count(OutcomeFailed) < 3 {
		t.Errorf("failed outcomes = %d, want >= 3", oc.count(OutcomeFailed))
	}
}

func TestCamera_StopIsPromptAndClosesDevice(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{frames: [][]byte{jpegBytes(t, 4)}}
	cam := NewCamera(CameraConfig{Interval: time.Hour},
		func(context.Context) (Device, error) { return dev, nil }, &fakeSeen{}, newQueue(1), Hooks{}, nil)
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Stop took %v", time.Since(start))
	}
	if cam.State() != StateStopped {
		t.Errorf("State = %v, want stopped", cam.State())
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if !dev.closed {
		t.Error("device not closed")
	}
}

func TestCamera_RestartAfterCancelClosesPreviousDevice(t *testing.T) {
	t.Parallel()

	first := &fakeDevice{frames: [][]byte{jpegBytes(t, 5)}}
	second := &fakeDevice{frames: [][]byte{jpegBytes(t, 6)}}
	devices := []*fakeDevice{first, second}
	var opens int
	cam := NewCamera(CameraConfig{Interval: time.Hour}, func(context.Context) (Device, error) {
		d := devices[opens]
		opens++
		return d, nil
	}, &fakeSeen{}, newQueue(4), Hooks{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := cam.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	waitFor(t, func() bool { return cam.State() == StateStopped })
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !first.isClosed() {
		t.Error("previous device left open after restart")
	}
	if second.isClosed() {
		t.Error("new device closed on restart")
	}

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !second.isClosed() {
		t.Error("device not closed on Stop")
	}
}

func writeImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	for i, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), jpegBytes(t, uint8(10*i+10)), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDirectory_EnqueuesImagesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImages(t, dir, "a.jpg", "b.PNG")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	q := newQueue(10)
	var oc outcomes
	src := NewDirectory(DirectoryConfig{Dir: dir, RescanInterval: 10 * time.Millisecond, EnqueueTimeout: time.Second},
		&fakeSeen{}, q, oc.hooks(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	waitFor(t, func() bool { return oc.count(OutcomePending) >= 2 })
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2 (rescans must not duplicate pending frames)", q.Len())
	}
}

func TestDirectory_SkipsProcessedAfterRescan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImages(t, dir, "a.jpg")

	seen := &fakeSeen{}
	q := newQueue(10)
	var oc outcomes
	src := NewDirectory(DirectoryConfig{Dir: dir, RescanInterval: 10 * time.Millisecond}, seen, q, oc.hooks(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	waitFor(t, func() bool { return q.Len() == 1 })
	f, _ := q.Pop(context.Background(), 0)
	seen.add(f.Hash)
	q.Done(f)

	waitFor(t, func() bool { return oc.count(OutcomeDuplicate) >= 1 })
	if q.Len() != 0 {
		t.Errorf("processed image re-enqueued")
	}
}

func TestDirectory_UndecodableFileFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}

	q := newQueue(10)
	var oc outcomes
	src := NewDirectory(DirectoryConfig{Dir: dir, RescanInterval: time.Hour}, &fakeSeen{}, q, oc.hooks(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	waitFor(t, func() bool { return oc.count(OutcomeFailed) == 1 })
	if q.Len() != 0 {
		t.Error("undecodable file enqueued")
	}
}

func TestDirectory_FullQueueDrops(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImages(t, dir, "a.jpg", "b.jpg")

	q := newQueue(1)
	var oc outcomes
	src := NewDirectory(DirectoryConfig{Dir: dir, RescanInterval: time.Hour, EnqueueTimeout: 10 * time.Millisecond},
		&fakeSeen{}, q, oc.hooks(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	waitFor(t, func() bool { return oc.count(OutcomeDropped) == 1 })
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestDirectory_LedgerErrorSkipsFrame(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeImages(t, dir, "a.jpg")

	q := newQueue(1)
	var oc outcomes
	src := NewDirectory(DirectoryConfig{Dir: dir, RescanInterval: time.Hour},
		&fakeSeen{err: errors.New("db down")}, q, oc.hooks(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	waitFor(t, func() bool { return oc.count(OutcomeFailed) == 1 })
	if q.Len() != 0 {
		t.Error("frame enqueued despite ledger error")
	}
}

func TestDirectory_ParentCancelStopsLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	src := NewDirectory(DirectoryConfig{Dir: t.TempDir(), RescanInterval: time.Hour}, &fakeSeen{}, newQueue(1), Hooks{}, nil)
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	waitFor(t, func() bool { return src.State() == StateStopped })
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	_ = src.Stop()
}
