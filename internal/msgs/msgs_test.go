package msgs

import (
	"testing"

	"sensorfuse/fusiond/internal/timesync"
)

func TestDecodeFrameValidatesStamp(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"kind":"imu","stamp_ns":42,"payload":{"angular_velocity":[0.1,0,0],"acceleration":[0,0,9.8]}}`))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Stamp() != timesync.Key(42) {
		t.Fatalf("unexpected stamp: %d", frame.Stamp())
	}

	if _, err := DecodeFrame([]byte(`{"kind":"imu"}`)); err == nil {
		t.Fatalf("missing stamp must be rejected")
	}
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatalf("malformed frame must be rejected")
	}
}

func TestStampFrameProjection(t *testing.T) {
	//1.- Frames project their capture stamp; anything else hits the sentinel.
	frame := &Frame{StampNano: 99}
	if StampFrame(frame) != timesync.Key(99) {
		t.Fatalf("frame projection mismatch")
	}
	if StampFrame("not a frame") != timesync.ZeroKey {
		t.Fatalf("non-frame messages must stamp to the sentinel")
	}
}

func TestDecodeTypedPayloads(t *testing.T) {
	cases := []struct {
		kind    string
		payload string
	}{
		{KindImu, `{"angular_velocity":[1,2,3],"acceleration":[0,0,9.8]}`},
		{KindCamera, `{"width":640,"height":480,"encoding":"rgb8"}`},
		{KindDepth, `{"width":320,"height":240,"min_range":0.2,"max_range":10}`},
	}
	for _, tc := range cases {
		frame := &Frame{Kind: tc.kind, StampNano: 1, Payload: []byte(tc.payload)}
		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", tc.kind, err)
		}
		if decoded == nil {
			t.Fatalf("decode %s returned nil payload", tc.kind)
		}
	}

	//1.- Unknown kinds stay opaque.
	decoded, err := Decode(&Frame{Kind: "pointcloud", StampNano: 1})
	if err != nil || decoded != nil {
		t.Fatalf("unknown kind should decode to nil, got %v/%v", decoded, err)
	}

	if _, err := Decode(&Frame{Kind: KindImu, StampNano: 1, Payload: []byte(`broken`)}); err == nil {
		t.Fatalf("broken payload must surface an error")
	}
}
