package pipeline

import (
	"context"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// Outcome is the classifier's verdict on one image.
type Outcome string

const (
	OutcomeNoFinding Outcome = "no_finding"
	OutcomeFindings  Outcome = "findings"
	OutcomeError     Outcome = "error"
)

// Usage is the token accounting reported by the classifier.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Classification is a successful classifier response. Failures are
// returned as errors instead and count as OutcomeError.
type Classification struct {
	Outcome  Outcome
	Findings []violation.Finding
	Model    string
	Usage    Usage
}

// Classifier inspects an encoded image and reports findings.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (*Classification, error)
}

// Notifier delivers a persisted record to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n *violation.Notification) error
}
