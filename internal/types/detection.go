package types

import "time"

// BoundingBox is a single labelled detection as reported by the inference runner.
// Coordinates are in frame-relative units, exactly as the runner emits them.
type BoundingBox struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"value"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Equal reports whether b and other are structurally identical.
// Confidence is compared exactly.
func (b BoundingBox) Equal(other BoundingBox) bool {
	return b == other
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (x, y float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// DetectionFrame holds the boxes decoded from one runner output line.
type DetectionFrame struct {
	// Seq is the monotonic sequence number assigned by the parser
	Seq uint64
	// Timestamp is when the line was parsed
	Timestamp time.Time
	// Boxes may be empty
	Boxes []BoundingBox
}
