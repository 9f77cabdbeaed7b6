package violation

import (
	"strings"
	"time"
)

// Finding is a single anomaly reported by the classifier for one image.
type Finding struct {
	Type                string  `json:"type"`
	BBox                BBox    `json:"bbox"`
	PositionDescription string  `json:"position_description"`
	Confidence          float64 `json:"confidence"`
}

// Validate reports whether the finding may be persisted.
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return ErrMissingType
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return ErrConfidenceRange
	}
	if !f.BBox.Valid() {
		return ErrInvalidBBox
	}
	return nil
}

// Location is a fixed geolocation attached to records.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Record is the persisted form of one finding plus its capture context.
// Records are append-only.
type Record struct {
	ID                  int64     `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	ImagePath           string    `json:"image_path"`
	ImageHash           string    `json:"image_hash"`
	Type                string    `json:"violation_type"`
	Confidence          float64   `json:"confidence"`
	BBox                BBox      `json:"bbox"`
	PositionDescription string    `json:"position_description"`
	Latitude            *float64  `json:"latitude,omitempty"`
	Longitude           *float64  `json:"longitude,omitempty"`
}

// NewRecord builds a record for f captured at ts.
func NewRecord(f *Finding, ts time.Time, imagePath, imageHash string, loc *Location) *Record {
	r := &Record{
		Timestamp:           ts,
		ImagePath:           imagePath,
		ImageHash:           imageHash,
		Type:                f.Type,
		Confidence:          f.Confidence,
		BBox:                f.BBox,
		PositionDescription: f.PositionDescription,
	}
	if loc != nil {
		lat, lon := loc.Latitude, loc.Longitude
		r.Latitude = &lat
		r.Longitude = &lon
	}
	return r
}

// Validate checks the schema invariants enforced on insert.
func (r *Record) Validate() error {
	if r.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	f := Finding{Type: r.Type, BBox: r.BBox, Confidence: r.Confidence}
	return f.Validate()
}

// Notification is handed to notifiers after a record has been persisted.
type Notification struct {
	Recipient string
	Record    *Record
}
