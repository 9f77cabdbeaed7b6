package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

var (
	// ErrEmptyResponse is returned when the model sends no text.
	ErrEmptyResponse = errors.New("classifier returned an empty response")
	// ErrMalformedResponse is returned when the text is not the expected JSON.
	ErrMalformedResponse = errors.New("classifier response is not valid JSON")
)

var fenceRE = regexp.MustCompile("```(?:json)?")

// noViolationToken is accepted as a bare reply meaning no findings.
const noViolationToken = "no_violation"

type response struct {
	Violations []rawFinding `json:"violations"`
}

type rawFinding struct {
	Type                string    `json:"type"`
	BBox                []float64 `json:"bbox"`
	PositionDescription string    `json:"position_description"`
	Confidence          float64   `json:"confidence"`
}

// stripFences removes markdown code fences around the JSON body.
func stripFences(s string) string {
	return strings.TrimSpace(fenceRE.ReplaceAllString(s, ""))
}

// parseFindings decodes the model text. Findings are returned as reported;
// a bbox that is not four whole numbers is left zero so validation rejects it.
func parseFindings(text string) ([]violation.Finding, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, ErrEmptyResponse
	}
	if strings.Trim(cleaned, `"`) == noViolationToken {
		return nil, nil
	}

	var resp response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := make([]violation.Finding, 0, len(resp.Violations))
	for _, r := range resp.Violations {
		out = append(out, violation.Finding{
			Type:                strings.TrimSpace(r.Type),
			BBox:                toBBox(r.BBox),
			PositionDescription: r.PositionDescription,
			Confidence:          r.Confidence,
		})
	}
	return out, nil
}

func toBBox(v []float64) violation.BBox {
	var b violation.BBox
	if len(v) != 4 {
		return b
	}
	for i, f := range v {
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return violation.BBox{}
		}
		b[i] = int(f)
	}
	return b
}
