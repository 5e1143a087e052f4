package parser

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/firewatch/internal/types"
)

func TestParseDetectionLine(t *testing.T) {
	p := New("")

	line := `boundingBoxes 12ms. [{"height":32,"label":"fire","value":0.95,"width":24,"x":8,"y":16},{"height":8,"label":"smoke","value":0.4,"width":8,"x":0,"y":0}]`
	frame, ok, err := p.Parse(line)
	require.NoError(t, err)
	require.True(t, ok)

	want := []types.BoundingBox{
		{Label: "fire", Confidence: 0.95, X: 8, Y: 16, Width: 24, Height: 32},
		{Label: "smoke", Confidence: 0.4, X: 0, Y: 0, Width: 8, Height: 8},
	}
	if diff := cmp.Diff(want, frame.Boxes); diff != "" {
		t.Errorf("boxes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), frame.Seq)
	assert.False(t, frame.Timestamp.IsZero())
}

func TestParseEmptyArrayIsAFrame(t *testing.T) {
	p := New("")

	frame, ok, err := p.Parse("boundingBoxes 3ms. []")
	require.NoError(t, err)
	require.True(t, ok, "an empty box list is still a frame and must break a streak")
	assert.NotNil(t, frame.Boxes)
	assert.Empty(t, frame.Boxes)
}

func TestParseIgnoresNonDetectionLines(t *testing.T) {
	p := New("")

	lines := []string{
		"",
		"   ",
		"Edge Impulse Linux runner v1.5.1",
		"[RUN] Starting the image classifier for fire (v12)",
		"anomaly score 0.12",
		"boundingBoxes 0ms. no boxes",
	}
	for _, line := range lines {
		_, ok, err := p.Parse(line)
		assert.NoError(t, err, line)
		assert.False(t, ok, line)
	}
	assert.Equal(t, uint64(0), p.Stats().FramesParsed)
	assert.Equal(t, uint64(len(lines)), p.Stats().LinesSeen)
}

func TestParseMalformedJSON(t *testing.T) {
	p := New("")

	tests := []string{
		`boundingBoxes 12ms. [{"label":"fire","value":0.9`,
		`boundingBoxes 12ms. [{"label":"fire","value":"high"}]`,
		`boundingBoxes 12ms. [garbage]`,
	}
	for _, line := range tests {
		_, ok, err := p.Parse(line)
		require.Error(t, err, line)
		assert.False(t, ok)

		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, line, perr.Line)
		assert.NotNil(t, errors.Unwrap(err))
	}
	assert.Equal(t, uint64(len(tests)), p.Stats().ParseErrors)
}

func TestParseTypeErrorIsUnwrappable(t *testing.T) {
	p := New("")

	_, _, err := p.Parse(`boundingBoxes [{"x":"left"}]`)
	var typeErr *json.UnmarshalTypeError
	assert.True(t, errors.As(err, &typeErr))
}

func TestParseMissingFieldsDefaultToZero(t *testing.T) {
	p := New("")

	frame, ok, err := p.Parse(`boundingBoxes [{"value":0.99}]`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.BoundingBox{Confidence: 0.99}, frame.Boxes[0])
}

func TestParseToleratesTrailingText(t *testing.T) {
	p := New("")

	frame, ok, err := p.Parse(`boundingBoxes 4ms. [{"label":"fire","value":0.91}] (fps 7)`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, frame.Boxes, 1)
}

func TestParseCustomMarker(t *testing.T) {
	p := New("detections:")

	_, ok, err := p.Parse(`boundingBoxes [{"label":"fire","value":0.99}]`)
	require.NoError(t, err)
	assert.False(t, ok)

	frame, ok, err := p.Parse(`detections: [{"label":"fire","value":0.99}]`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fire", frame.Boxes[0].Label)
}

func TestParseSequenceIsMonotonic(t *testing.T) {
	p := New("")

	for i := 1; i <= 3; i++ {
		frame, ok, err := p.Parse("boundingBoxes []")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i), frame.Seq)
	}
}

func TestIsDiagnostic(t *testing.T) {
	p := New("")

	assert.True(t, p.IsDiagnostic("boundingBoxes 1ms. []"))
	assert.True(t, p.IsDiagnostic("anomaly 0.3"))
	assert.False(t, p.IsDiagnostic("camera ready"))
}
