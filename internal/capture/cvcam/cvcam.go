//go:build opencv

// Package cvcam reads frames from a local video device through OpenCV.
package cvcam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Available reports whether this build links OpenCV.
const Available = true

var errNoFrame = errors.New("camera returned no frame")

// Camera wraps a gocv VideoCapture.
type Camera struct {
	mu  sync.Mutex
	dev *gocv.VideoCapture
	mat gocv.Mat
}

// Open opens the video device at index.
func Open(_ context.Context, index int) (*Camera, error) {
	dev, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("open video device %d: %w", index, err)
	}
	if !dev.IsOpened() {
		_ = dev.Close()
		return nil, fmt.Errorf("open video device %d: not opened", index)
	}
	return &Camera{dev: dev, mat: gocv.NewMat()}, nil
}

// Read grabs one frame and returns it JPEG-encoded.
func (c *Camera) Read(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.dev.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, errNoFrame
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.mat.Close()
	return c.dev.Close()
}
