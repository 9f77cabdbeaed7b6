package violation

import (
	"fmt"
	"strconv"
	"strings"
)

// BBox is an axis-aligned box [x1, y1, x2, y2] in pixel coordinates.
type BBox [4]int

// Valid reports whether x1 < x2 and y1 < y2.
func (b BBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3]
}

// String serializes the box as "x1,y1,x2,y2", the stored column format.
func (b BBox) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", b[0], b[1], b[2], b[3])
}

// ParseBBox parses the stored "x1,y1,x2,y2" form.
func ParseBBox(s string) (BBox, error) {
	var b BBox
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, fmt.Errorf("%w: %q has %d fields", ErrInvalidBBox, s, len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return b, fmt.Errorf("%w: %q: %v", ErrInvalidBBox, s, err)
		}
		b[i] = n
	}
	return b, nil
}
