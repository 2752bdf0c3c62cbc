package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeValidEnvelope(t *testing.T) {
	raw := []byte(`{"type":"canvas_stroke","room":"canvas","data":{"tool":"pen","color":"#4ade80","size":3,"points":[{"x":1,"y":2}]},"timestamp":1724900000.123}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if env.Type != TypeCanvasStroke {
		t.Errorf("Expected type canvas_stroke, got %q", env.Type)
	}
	if env.Room != "canvas" {
		t.Errorf("Expected room canvas, got %q", env.Room)
	}
	if env.Timestamp != 1724900000.123 {
		t.Errorf("Expected timestamp 1724900000.123, got %v", env.Timestamp)
	}

	var stroke Stroke
	if err := DecodeData(env, &stroke); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if stroke.Tool != ToolPen || len(stroke.Points) != 1 {
		t.Errorf("Unexpected stroke: %+v", stroke)
	}
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"room":"canvas"}`))
	if err == nil {
		t.Fatal("Expected error for envelope without type")
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("Expected error for malformed JSON")
	}
}

func TestMakeRoundTrip(t *testing.T) {
	env, err := Make(TypeScratchpadChange, RoomScratchpad, DocumentChange{
		Content:   "hello world",
		Timestamp: 1724900000000,
	})
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}

	if env.Timestamp == 0 {
		t.Error("Make should stamp a timestamp")
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var change DocumentChange
	if err := DecodeData(decoded, &change); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if change.Content != "hello world" {
		t.Errorf("Expected content 'hello world', got %q", change.Content)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := Envelope{
		Type:      TypeRegistered,
		User:      &User{ID: "u1", Name: "Alice", Color: "#4ade80"},
		Timestamp: 1724900000.5,
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	s := string(data)
	for _, field := range []string{`"type":"registered"`, `"id":"u1"`, `"name":"Alice"`, `"color":"#4ade80"`, `"timestamp":1724900000.5`} {
		if !strings.Contains(s, field) {
			t.Errorf("Wire format missing %s in %s", field, s)
		}
	}
	if strings.Contains(s, `"room"`) {
		t.Errorf("Empty room should be omitted, got %s", s)
	}
}

func TestStrokeValidate(t *testing.T) {
	tests := []struct {
		name    string
		stroke  Stroke
		wantErr bool
	}{
		{
			name:   "valid pen stroke",
			stroke: Stroke{Tool: ToolPen, Color: "#fff", Size: 3, Points: []Point{{X: 1, Y: 2}}},
		},
		{
			name:   "valid eraser stroke",
			stroke: Stroke{Tool: ToolEraser, Size: 20, Points: []Point{{X: 1, Y: 2}, {X: 3, Y: 4}}},
		},
		{
			name:    "unknown tool",
			stroke:  Stroke{Tool: "spray", Size: 3, Points: []Point{{X: 1, Y: 2}}},
			wantErr: true,
		},
		{
			name:    "no points",
			stroke:  Stroke{Tool: ToolPen, Size: 3},
			wantErr: true,
		},
		{
			name:    "zero size",
			stroke:  Stroke{Tool: ToolPen, Points: []Point{{X: 1, Y: 2}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stroke.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid stroke, got %v", err)
			}
		})
	}
}

func TestDecodeDataEmpty(t *testing.T) {
	env := Envelope{Type: TypeCanvasStroke}
	var stroke Stroke
	if err := DecodeData(env, &stroke); err == nil {
		t.Error("Expected error for envelope without data")
	}
}

func TestNowIsEpochSeconds(t *testing.T) {
	ts := Now()
	// Sanity bounds: after 2020, before 2100.
	if ts < 1.577e9 || ts > 4.1e9 {
		t.Errorf("Now() = %v, outside plausible epoch-seconds range", ts)
	}
}
