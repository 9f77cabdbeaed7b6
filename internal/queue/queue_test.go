package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func identity(s string) string { return s }

func TestPushPopFIFO(t *testing.T) {
	t.Parallel()

	q := New[string](3, nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, s, 0); err != nil {
			t.Fatalf("Push(%s): %v", s, err)
		}
	}
	if q.Len() != 3 || q.Cap() != 3 {
		t.Fatalf("Len/Cap = %d/%d", q.Len(), q.Cap())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx, 0)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Errorf("Pop = %q, want %q", got, want)
		}
	}
}

func TestPushFullReturnsWithinTimeout(t *testing.T) {
	t.Parallel()

	q := New[string](1, nil)
	ctx := context.Background()
	if err := q.Push(ctx, "first", time.Second); err != nil {
		t.Fatalf("Push: %v", err)
	}

	start := time.Now()
	err := q.Push(ctx, "second", 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > time.Second {
		t.Errorf("Push blocked for %v, want about 50ms", elapsed)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestPushZeroTimeoutFailsImmediately(t *testing.T) {
	t.Parallel()

	q := New[string](1, nil)
	_ = q.Push(context.Background(), "x", 0)
	if err := q.Push(context.Background(), "y", 0); !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
}

func TestPushWaitsForSpace(t *testing.T) {
	t.Parallel()

	q := New[string](1, nil)
	ctx := context.Background()
	_ = q.Push(ctx, "x", 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Pop(ctx, 0)
	}()
	if err := q.Push(ctx, "y", time.Second); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestPopEmptyTimesOut(t *testing.T) {
	t.Parallel()

	q := New[int](1, nil)
	start := time.Now()
	_, err := q.Pop(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Pop returned before timeout")
	}
}

func TestPopHonoursContext(t *testing.T) {
	t.Parallel()

	q := New[int](1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Pop(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPendingKeys(t *testing.T) {
	t.Parallel()

	q := New[string](4, identity)
	ctx := context.Background()

	if err := q.Push(ctx, "h1", 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !q.Pending("h1") {
		t.Fatal("h1 should be pending after Push")
	}
	if err := q.Push(ctx, "h1", 0); !errors.Is(err, ErrPending) {
		t.Fatalf("duplicate Push err = %v, want ErrPending", err)
	}

	item, _ := q.Pop(ctx, 0)
	if !q.Pending("h1") {
		t.Fatal("h1 should stay pending until Done")
	}
	q.Done(item)
	if q.Pending("h1") {
		t.Fatal("h1 should be released after Done")
	}
	if err := q.Push(ctx, "h1", 0); err != nil {
		t.Fatalf("Push after Done: %v", err)
	}
}

func TestFailedPushReleasesKey(t *testing.T) {
	t.Parallel()

	q := New[string](1, identity)
	ctx := context.Background()
	_ = q.Push(ctx, "a", 0)

	if err := q.Push(ctx, "b", 0); !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	if q.Pending("b") {
		t.Error("rejected item must not stay pending")
	}
}

func TestConcurrentProducers(t *testing.T) {
	t.Parallel()

	const n = 200
	q := New[string](n, identity)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Push(ctx, strconv.Itoa(i%50), time.Second)
		}()
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("Len = %d, want 50 distinct keys", q.Len())
	}
}
