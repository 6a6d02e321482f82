package control

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, CmdUnitStatus, []byte("abc")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := WritePacket(&buf, RplyACK, nil); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if buf.Len() != 3+3+3 {
		t.Fatalf("Expected 9 bytes on the wire, got %d", buf.Len())
	}

	kind, payload, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if kind != CmdUnitStatus || string(payload) != "abc" {
		t.Fatalf("Unexpected packet %d %q", kind, payload)
	}
	kind, payload, err = ReadPacket(&buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if kind != RplyACK || payload != nil {
		t.Fatalf("Expected empty ACK, got %d %q", kind, payload)
	}
}

func TestWritePacketTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WritePacket(&buf, CmdCreateScope, make([]byte, MaxPayloadSize+1))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Expected size error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("Nothing should be written for an oversized payload")
	}
}

func TestReadPacketTruncated(t *testing.T) {
	if _, _, err := ReadPacket(bytes.NewReader([]byte{RplyUnitInfo, 10, 0, 'x'})); err == nil {
		t.Fatal("Expected error for a truncated payload")
	}
}

func TestMessageEncodingIsDeterministic(t *testing.T) {
	req := &CreateScopeRequest{
		Name:        "session-1.scope",
		PIDs:        []int{10, 20},
		Controller:  ":3",
		TimeoutStop: 5 * time.Second,
	}
	a, err := Marshal(req)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	b, _ := Marshal(req)
	if !bytes.Equal(a, b) {
		t.Fatal("Equal requests should encode identically")
	}

	var got CreateScopeRequest
	if err := Unmarshal(a, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.Name != req.Name || len(got.PIDs) != 2 || got.TimeoutStop != req.TimeoutStop {
		t.Fatalf("Unexpected decode %+v", got)
	}
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	req := UnitRequest{Name: "keep"}
	if err := Unmarshal(nil, &req); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if req.Name != "keep" {
		t.Fatal("An empty payload should leave the target untouched")
	}
}

func TestUnitStatusFlattensInfo(t *testing.T) {
	st := UnitStatus{
		UnitInfo:    UnitInfo{Name: "swapfile.swap", Active: "active"},
		What:        "/swapfile",
		StateChange: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := Marshal(&st)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var flat map[string]any
	if err := Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if flat["name"] != "swapfile.swap" || flat["what"] != "/swapfile" {
		t.Fatalf("Expected flattened keys, got %v", flat)
	}

	var back UnitStatus
	if err := Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !back.StateChange.Equal(st.StateChange) || back.Active != "active" {
		t.Fatalf("Unexpected decode %+v", back)
	}
}
