// Package parser turns runner output lines into detection frames.
//
// A detection line carries a marker token followed by a JSON array of boxes:
//
//	boundingBoxes 12ms. [{"label":"fire","value":0.95,"x":8,"y":16,"width":24,"height":32}]
//
// Every other line (startup banners, timing, anomaly scores) is ignored.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/e7canasta/firewatch/internal/types"
)

// DefaultMarker is the token the Edge Impulse runner prints before each box list
const DefaultMarker = "boundingBoxes"

const anomalyMarker = "anomaly"

// ParseError reports a detection line whose JSON could not be decoded
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse detection line: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parser decodes detection lines. Safe for use by a single reader goroutine;
// Stats may be read concurrently.
type Parser struct {
	marker string

	seq         atomic.Uint64
	linesSeen   atomic.Uint64
	parseErrors atomic.Uint64
}

// New creates a parser for the given marker token (DefaultMarker when empty)
func New(marker string) *Parser {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Parser{marker: marker}
}

// Parse decodes one line. ok is false for lines that are not detection lines.
// Malformed or truncated JSON yields a *ParseError.
func (p *Parser) Parse(line string) (frame types.DetectionFrame, ok bool, err error) {
	p.linesSeen.Add(1)

	line = strings.TrimSpace(line)
	if line == "" {
		return types.DetectionFrame{}, false, nil
	}

	idx := strings.Index(line, p.marker)
	if idx < 0 {
		return types.DetectionFrame{}, false, nil
	}

	rest := line[idx+len(p.marker):]
	start := strings.IndexByte(rest, '[')
	if start < 0 {
		// Marker without payload, e.g. a summary line
		return types.DetectionFrame{}, false, nil
	}

	// Only the first JSON value is decoded; trailing text is tolerated
	var boxes []types.BoundingBox
	dec := json.NewDecoder(strings.NewReader(rest[start:]))
	if err := dec.Decode(&boxes); err != nil {
		p.parseErrors.Add(1)
		return types.DetectionFrame{}, false, &ParseError{Line: line, Err: err}
	}
	if boxes == nil {
		boxes = []types.BoundingBox{}
	}

	return types.DetectionFrame{
		Seq:       p.seq.Add(1),
		Timestamp: time.Now(),
		Boxes:     boxes,
	}, true, nil
}

// IsDiagnostic reports whether the line is worth echoing to the log
func (p *Parser) IsDiagnostic(line string) bool {
	return strings.Contains(line, p.marker) || strings.Contains(line, anomalyMarker)
}

// Stats contains parser counters
type Stats struct {
	LinesSeen    uint64
	FramesParsed uint64
	ParseErrors  uint64
}

// Stats returns parser statistics
func (p *Parser) Stats() Stats {
	return Stats{
		LinesSeen:    p.linesSeen.Load(),
		FramesParsed: p.seq.Load(),
		ParseErrors:  p.parseErrors.Load(),
	}
}
