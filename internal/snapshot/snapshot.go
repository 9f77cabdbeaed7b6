// Package snapshot writes captured and violating images to disk under
// timestamp-based names and finds the newest one for the dashboard.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/hashing"
	"github.com/linnemanlabs/roadwatch/internal/imaging"
)

const (
	ext        = ".jpg"
	dirPerm    = 0o750
	filePerm   = 0o640
	suffixSize = 8
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// Save writes f into dir as <timestamp>.jpg, converting non-JPEG input.
// If that name already holds different content, the first hash characters
// are appended. Saving identical content twice is a no-op.
func Save(dir string, f *frame.Frame) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	data := f.Data
	if !bytes.HasPrefix(data, jpegMagic) {
		img, _, err := imaging.Decode(data)
		if err != nil {
			return "", err
		}
		if data, err = imaging.EncodeJPEG(img); err != nil {
			return "", err
		}
	}

	base := f.Timestamp()
	path := filepath.Join(dir, base+ext)
	existing, err := hashing.File(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return "", err
	case existing == hashing.Sum(data):
		return path, nil
	default:
		path = filepath.Join(dir, base+"_"+prefix(f.Hash)+ext)
	}

	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Latest returns the lexically newest image in dir and its contents. An
// empty or missing directory yields "", nil, nil.
func Latest(dir string) (string, []byte, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", dir, err)
	}

	// ReadDir sorts by name; timestamp names sort chronologically.
	for _, e := range slices.Backward(entries) {
		if e.IsDir() || !imaging.Supported(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) //nolint:gosec // path comes from ReadDir of a configured directory
		if err != nil {
			return "", nil, fmt.Errorf("read %s: %w", path, err)
		}
		return path, data, nil
	}
	return "", nil, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func prefix(hash string) string {
	if len(hash) > suffixSize {
		return hash[:suffixSize]
	}
	if hash == "" {
		return "dup"
	}
	return hash
}
