//go:build !opencv

package cvcam

import (
	"context"
	"errors"
)

// Available reports whether this build links OpenCV.
const Available = false

// ErrUnsupported is returned by Open when built without the opencv tag.
var ErrUnsupported = errors.New("local camera support requires building with -tags opencv")

// Camera is unusable without OpenCV.
type Camera struct{}

// Open always fails in this build.
func Open(_ context.Context, _ int) (*Camera, error) {
	return nil, ErrUnsupported
}

// Read is never reached.
func (*Camera) Read(context.Context) ([]byte, error) { return nil, ErrUnsupported }

// Close is a no-op.
func (*Camera) Close() error { return nil }
