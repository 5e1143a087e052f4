package types

import "encoding/json"

// HeartbeatLabel and HeartbeatStatus are the fixed fields of a liveness message
const (
	HeartbeatLabel  = "none"
	HeartbeatStatus = "OK"
)

// AlertMessage is published once per confirmed detection
type AlertMessage struct {
	SourceID   string  `json:"rpi_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	CenterX    float64 `json:"center_x"`
	CenterY    float64 `json:"center_y"`
}

// NewAlertMessage builds the alert payload for box, deriving the center coordinates.
func NewAlertMessage(sourceID string, box BoundingBox) AlertMessage {
	cx, cy := box.Center()
	return AlertMessage{
		SourceID:   sourceID,
		Label:      box.Label,
		Confidence: box.Confidence,
		X:          box.X,
		Y:          box.Y,
		Width:      box.Width,
		Height:     box.Height,
		CenterX:    cx,
		CenterY:    cy,
	}
}

// ToJSON converts the alert to JSON bytes
func (m AlertMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// HeartbeatMessage signals that the emitter is alive and idle
type HeartbeatMessage struct {
	SourceID string `json:"rpi_id"`
	Label    string `json:"label"`
	Status   string `json:"status"`
}

// NewHeartbeatMessage returns the liveness payload for sourceID
func NewHeartbeatMessage(sourceID string) HeartbeatMessage {
	return HeartbeatMessage{
		SourceID: sourceID,
		Label:    HeartbeatLabel,
		Status:   HeartbeatStatus,
	}
}

// ToJSON converts the heartbeat to JSON bytes
func (m HeartbeatMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
