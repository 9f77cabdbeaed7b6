package frame

import (
	"testing"
	"time"
)

func TestNew_AssignsID(t *testing.T) {
	t.Parallel()

	a := New([]byte{1}, time.Now(), "h1", "cam0")
	b := New([]byte{1}, time.Now(), "h1", "cam0")
	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty IDs")
	}
	if a.ID == b.ID {
		t.Errorf("IDs should be unique, both %q", a.ID)
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()

	f := New(nil, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), "h", "")
	if got := f.Timestamp(); got != "20240101_120000" {
		t.Errorf("Timestamp() = %q, want %q", got, "20240101_120000")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	f := New(nil, time.Now(), "abc", "")
	if Key(f) != "abc" {
		t.Errorf("Key = %q, want abc", Key(f))
	}
}
