package cobs

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x11, 0x22, 0x00, 0x33},
		{0x00, 0x00, 0x00},
		bytes.Repeat([]byte{0x01}, 254),
		bytes.Repeat([]byte{0x01}, 255),
		bytes.Repeat([]byte{0x01}, 512),
	}
	for _, c := range cases {
		enc := Encode(c)
		for _, b := range enc {
			if b == 0x00 {
				t.Fatalf("encode(%v) contains interior zero byte: %v", c, enc)
			}
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode(encode(%v)) error: %v", c, err)
		}
		if !bytes.Equal(dec, c) {
			t.Fatalf("decode(encode(%v)) = %v, want %v", c, dec, c)
		}
	}
}

func TestFrameUnframe(t *testing.T) {
	body := []byte{0x10, 0x00} // Ping: type, length
	frame := Frame(body)
	if frame[0] != 0x00 {
		t.Fatalf("frame missing leading delimiter: %v", frame)
	}
	section := frame[2:]
	if int(frame[1]) != len(section) {
		t.Fatalf("length byte %d does not match section length %d", frame[1], len(section))
	}
	got, err := Unframe(section)
	if err != nil {
		t.Fatalf("unframe error: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("unframe = %v, want %v", got, body)
	}
}

func TestChecksumRejectsCorruption(t *testing.T) {
	body := []byte{0x11, 0x04, 0x01, 0x00, 0x02, 0x00}
	frame := Frame(body)
	section := append([]byte(nil), frame[2:]...)

	decoded, err := Decode(section)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	// flip a bit in the checksum byte itself
	decoded[len(decoded)-1] ^= 0x01
	corrupted := Encode(decoded)

	if _, err := Unframe(corrupted); err == nil {
		t.Fatalf("expected checksum mismatch to be rejected")
	}
}

func TestPingFrameLiteral(t *testing.T) {
	// Ping: message id 0x10, zero-length payload. Computed the same way
	// as hibike_message.py's send()/cobs_encode() (the spec.md scenario-1
	// literal "00 02 02 10 00 12" does not actually satisfy spec.md's own
	// §4.1 framing rules; this is the byte sequence the algorithm and the
	// original source agree on).
	body := []byte{0x10, 0x00} // type=Ping, length=0
	frame := Frame(body)
	want := []byte{0x00, 0x04, 0x02, 0x10, 0x02, 0x10}
	if !bytes.Equal(frame, want) {
		t.Fatalf("Frame(Ping) = % x, want % x", frame, want)
	}
}

func TestScanResync(t *testing.T) {
	body := []byte{0x10, 0x00}
	frame := Frame(body)
	garbage := append([]byte{0xFF, 0xFE}, frame...)
	section, consumed, ok := Scan(garbage)
	if !ok {
		t.Fatalf("expected Scan to find frame after garbage prefix")
	}
	if consumed != len(garbage) {
		t.Fatalf("consumed = %d, want %d", consumed, len(garbage))
	}
	got, err := Unframe(section)
	if err != nil {
		t.Fatalf("unframe error: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %v, want %v", got, body)
	}
}

func TestDecodeMalformedIsNonFatal(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := Decode([]byte{5, 1, 2}); err == nil {
		t.Fatalf("expected error for truncated block")
	}
}
