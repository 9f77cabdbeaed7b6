// Package hashing computes content fingerprints used to deduplicate captured images.
package hashing

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Size is the length of a digest string returned by Sum and File.
const Size = 16

// Sum returns the hex-encoded xxhash64 digest of b.
func Sum(b []byte) string {
	return format(xxhash.Sum64(b))
}

// Reader streams r into the digest.
func Reader(r io.Reader) (string, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash read: %w", err)
	}
	return format(d.Sum64()), nil
}

// File hashes the contents of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the configured inbox directory
	if err != nil {
		return "", fmt.Errorf("hash open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Reader(f)
}

func format(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
