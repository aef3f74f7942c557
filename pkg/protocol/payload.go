package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Detection is one classified object reported by the perception process.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	CenterPx   [2]float64 `json:"center_px"`
}

// CropShape is the (width, height) of the frame the detections were computed against.
type CropShape [2]int

func (c CropShape) Width() int {
	return c[0]
}

func (c CropShape) Height() int {
	return c[1]
}

// DetectionPayload is one inbound unit of work.
//
// Timestamp is opaque: producers send either a string or a number, and it is only echoed back for
// observability. ID is assigned when the payload is accepted and is used to correlate log lines.
type DetectionPayload struct {
	ID         string          `json:"id,omitempty"`
	Detections []Detection     `json:"detections"`
	CropShape  *CropShape      `json:"crop_shape,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
}

// Validate returns an error wrapping ErrValidation if p cannot be dispatched.
func (p *DetectionPayload) Validate() error {
	if p.CropShape == nil {
		return fmt.Errorf("%w: missing crop_shape", ErrValidation)
	}
	if p.CropShape.Width() <= 0 || p.CropShape.Height() <= 0 {
		return fmt.Errorf("%w: crop_shape must be positive, got %v", ErrValidation, *p.CropShape)
	}
	for i, d := range p.Detections {
		if math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0) {
			return fmt.Errorf("%w: detection %d has non-finite confidence", ErrValidation, i)
		}
		for _, c := range d.CenterPx {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("%w: detection %d has non-finite center", ErrValidation, i)
			}
		}
	}
	return nil
}

// DecodePayload parses a JSON-encoded DetectionPayload and validates it.
func DecodePayload(data []byte) (*DetectionPayload, error) {
	var p DetectionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
