package hibike

import (
	"bytes"
	"testing"

	"github.com/fieldcore/runtime/cobs"
)

func TestSubscriptionResponseRoundTrip(t *testing.T) {
	// scenario 1 from spec.md: motor controller discovery.
	want := SubscriptionResponsePayload{
		Bitmask: 0,
		DelayMS: 0,
		UID:     MakeUID(0x000D, 0x00, 0x0123456789ABCDEF),
	}
	msg := EncodeSubscriptionResponse(want)
	got, err := DecodeSubscriptionResponse(msg.Payload)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSubscriptionResponseWrongLengthRejected(t *testing.T) {
	if _, err := DecodeSubscriptionResponse(make([]byte, 14)); err == nil {
		t.Fatalf("expected rejection of 14-byte payload")
	}
	if _, err := DecodeSubscriptionResponse(make([]byte, 16)); err == nil {
		t.Fatalf("expected rejection of 16-byte payload")
	}
}

func TestDeviceWriteAscendingIndexOrder(t *testing.T) {
	dt := DefaultSchema[0x0D] // YogiBear
	values := map[string]Value{
		"duty_cycle":  {Float: 0.5},
		"pid_enabled": {Bool: true},
	}
	msg, err := EncodeDeviceValues(dt, values, DeviceWrite)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	// bitmask 0x0003, then duty_cycle (index 0, float32 0.5) before
	// pid_enabled (index 1, bool true).
	wantPayload := []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x3f, 0x01}
	if !bytes.Equal(msg.Payload, wantPayload) {
		t.Fatalf("payload = % x, want % x", msg.Payload, wantPayload)
	}

	decoded, err := DecodeDeviceValues(dt, msg.Payload)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["duty_cycle"].Float != 0.5 {
		t.Fatalf("duty_cycle = %v, want 0.5", decoded["duty_cycle"].Float)
	}
	if !decoded["pid_enabled"].Bool {
		t.Fatalf("pid_enabled = false, want true")
	}
}

func TestDutyCycleWireBytes(t *testing.T) {
	dt := DefaultSchema[0x0D]
	msg, err := EncodeDeviceValues(dt, map[string]Value{"duty_cycle": {Float: 0.5}}, DeviceWrite)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if len(msg.Payload) != 6 {
		t.Fatalf("payload length = %d, want 6 (2 bitmask + 4 float32)", len(msg.Payload))
	}
	if msg.Payload[0] != 0x01 || msg.Payload[1] != 0x00 {
		t.Fatalf("bitmask bytes = % x, want 01 00", msg.Payload[:2])
	}
	want := []byte{0x00, 0x00, 0x00, 0x3f}
	got := msg.Payload[2:]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("payload bytes = % x, want % x", got, want)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg := NewSubscriptionRequest(0x0007, 20)
	frame, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	section, consumed, ok := cobs.Scan(frame)
	if !ok {
		t.Fatalf("scan failed to find frame")
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d, want %d", consumed, len(frame))
	}
	body, err := cobs.Unframe(section)
	if err != nil {
		t.Fatalf("unframe error: %v", err)
	}
	got, err := UnmarshalBody(body)
	if err != nil {
		t.Fatalf("unmarshal body error: %v", err)
	}
	if got.Type != SubscriptionRequest {
		t.Fatalf("type = %v, want SubscriptionRequest", got.Type)
	}
	if len(got.Payload) != 4 {
		t.Fatalf("payload length = %d, want 4", len(got.Payload))
	}
}
