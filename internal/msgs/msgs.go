// Package msgs defines the stamped sensor payloads the fusiond pipeline
// synchronizes. The synchronizer core is payload-agnostic; these types exist
// for the ingest boundary, the replay bundles, and the demo wiring.
package msgs

import (
	"encoding/json"
	"errors"
	"fmt"

	"sensorfuse/fusiond/internal/timesync"
)

// Frame is the transport-agnostic unit a producer delivers on one channel:
// a capture stamp plus an opaque payload.
type Frame struct {
	Kind      string          `json:"kind,omitempty"`
	StampNano int64           `json:"stamp_ns"`
	Producer  string          `json:"producer,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Stamp returns the frame's match key.
func (f *Frame) Stamp() timesync.Key {
	if f == nil {
		return timesync.ZeroKey
	}
	return timesync.Key(f.StampNano)
}

// StampFrame is the projection fusiond installs on every synchronizer
// channel. Non-frame messages stamp to the zero sentinel.
func StampFrame(msg any) timesync.Key {
	frame, ok := msg.(*Frame)
	if !ok {
		return timesync.ZeroKey
	}
	return frame.Stamp()
}

// DecodeFrame parses a raw ingest payload into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.StampNano <= 0 {
		return nil, errors.New("frame stamp must be positive")
	}
	return &frame, nil
}

// ImuSample carries a single inertial measurement.
type ImuSample struct {
	StampNano       int64      `json:"stamp_ns"`
	AngularVelocity [3]float64 `json:"angular_velocity"`
	Acceleration    [3]float64 `json:"acceleration"`
}

// CameraFrame describes one captured image without carrying pixel data.
type CameraFrame struct {
	StampNano int64  `json:"stamp_ns"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Encoding  string `json:"encoding"`
	FrameID   string `json:"frame_id,omitempty"`
}

// DepthImage describes one captured depth map.
type DepthImage struct {
	StampNano int64   `json:"stamp_ns"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	MinRange  float64 `json:"min_range"`
	MaxRange  float64 `json:"max_range"`
}

// Payload kinds understood by Decode.
const (
	KindImu    = "imu"
	KindCamera = "camera"
	KindDepth  = "depth"
)

// Decode materialises the typed payload of a frame based on its kind. Frames
// with an unknown or empty kind stay opaque and decode to nil without error.
func Decode(frame *Frame) (any, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	switch frame.Kind {
	case KindImu:
		var sample ImuSample
		if err := json.Unmarshal(frame.Payload, &sample); err != nil {
			return nil, fmt.Errorf("decode imu payload: %w", err)
		}
		return &sample, nil
	case KindCamera:
		var capture CameraFrame
		if err := json.Unmarshal(frame.Payload, &capture); err != nil {
			return nil, fmt.Errorf("decode camera payload: %w", err)
		}
		return &capture, nil
	case KindDepth:
		var depth DepthImage
		if err := json.Unmarshal(frame.Payload, &depth); err != nil {
			return nil, fmt.Errorf("decode depth payload: %w", err)
		}
		return &depth, nil
	default:
		return nil, nil
	}
}
