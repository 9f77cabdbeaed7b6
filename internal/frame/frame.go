// Package frame defines the unit of work handed from capture to processing.
package frame

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// TimestampLayout is the capture timestamp format used in records and saved image names.
const TimestampLayout = "20060102_150405"

// Frame is one captured image. It is owned by exactly one stage at a time and
// is not modified after it has been enqueued.
type Frame struct {
	ID         string
	Data       []byte // encoded image (JPEG or PNG)
	CapturedAt time.Time
	Hash       string
	Origin     string // device name or source file path
}

// New stamps a frame with a fresh ID.
func New(data []byte, capturedAt time.Time, hash, origin string) *Frame {
	return &Frame{
		ID:         ulid.Make().String(),
		Data:       data,
		CapturedAt: capturedAt,
		Hash:       hash,
		Origin:     origin,
	}
}

// Timestamp renders CapturedAt in TimestampLayout.
func (f *Frame) Timestamp() string {
	return f.CapturedAt.Format(TimestampLayout)
}

// Key identifies the frame for queue bookkeeping.
func Key(f *Frame) string {
	return f.Hash
}
