// Package cobs implements the frame codec used on the Hibike sensor
// link: consistent-overhead byte stuffing plus a trailing XOR
// checksum, delimited by a leading zero byte.
//
// On-wire frame: 0x00 | length_byte | COBS(payload || checksum)
package cobs

import (
	"bytes"
	"errors"
)

// ErrMalformed is returned by Decode when the input cannot be a valid
// COBS-encoded section. Per the frame codec contract this is always
// recoverable by the caller: drop the frame and resynchronize.
var ErrMalformed = errors.New("cobs: malformed frame")

const maxBlock = 254

// Encode consistent-overhead-byte-stuffs b. The result never contains
// an interior zero byte.
func Encode(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/maxBlock+2)
	// codeIdx holds the index (in out) of the block-length byte we have
	// not yet finalized; we reserve its slot and patch it once the
	// block's length is known.
	codeIdx := len(out)
	out = append(out, 0)
	block := byte(1)

	flush := func(code byte) {
		out[codeIdx] = code
	}

	for _, c := range b {
		if c != 0 {
			out = append(out, c)
			block++
			if block == 0xFF {
				flush(block)
				codeIdx = len(out)
				out = append(out, 0)
				block = 1
			}
			continue
		}
		flush(block)
		codeIdx = len(out)
		out = append(out, 0)
		block = 1
	}
	flush(block)
	return out
}

// Decode reverses Encode. It returns a nil slice and ErrMalformed on
// any structural inconsistency (truncated block, code byte pointing
// past the end of input).
func Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformed
	}
	out := make([]byte, 0, len(b))
	i := 0
	for i < len(b) {
		code := b[i]
		if code == 0 {
			return nil, ErrMalformed
		}
		blockLen := int(code) - 1
		i++
		if i+blockLen > len(b) {
			return nil, ErrMalformed
		}
		out = append(out, b[i:i+blockLen]...)
		i += blockLen
		if code != 0xFF && i < len(b) {
			out = append(out, 0)
		}
	}
	return out, nil
}

// Checksum returns the single-byte XOR of every byte in body.
func Checksum(body []byte) byte {
	var sum byte
	for _, c := range body {
		sum ^= c
	}
	return sum
}

// Frame assembles a complete on-wire frame (delimiter, length byte,
// COBS section) from a message body (message id, length byte, and
// payload already concatenated by the caller).
func Frame(body []byte) []byte {
	checked := make([]byte, len(body)+1)
	copy(checked, body)
	checked[len(body)] = Checksum(body)

	encoded := Encode(checked)
	frame := make([]byte, 0, len(encoded)+2)
	frame = append(frame, 0x00, byte(len(encoded)))
	frame = append(frame, encoded...)
	return frame
}

// Unframe reverses Frame for the COBS section following the leading
// 0x00 and length byte (the caller is responsible for locating those
// via Scan). It verifies the checksum and strips it, returning the
// original message body.
func Unframe(encoded []byte) ([]byte, error) {
	checked, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(checked) == 0 {
		return nil, ErrMalformed
	}
	body, sum := checked[:len(checked)-1], checked[len(checked)-1]
	if Checksum(body) != sum {
		return nil, ErrMalformed
	}
	return body, nil
}

// Scan looks for the next complete frame in buf, starting at the
// leading 0x00 delimiter. It returns the COBS-encoded section (ready
// for Unframe), the number of bytes of buf consumed (including the
// delimiter and length byte), and whether a complete frame was found.
// On a malformed length prefix it skips past the bad delimiter so the
// caller can resynchronize at the next 0x00.
func Scan(buf []byte) (section []byte, consumed int, ok bool) {
	start := -1
	for i, c := range buf {
		if c == 0x00 {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, len(buf), false
	}
	for {
		if start+2 > len(buf) {
			return nil, start, false
		}
		length := int(buf[start+1])
		end := start + 2 + length
		limit := end
		if limit > len(buf) {
			limit = len(buf)
		}
		// COBS output holds no zero byte, so a zero in the length byte or
		// the section marks this delimiter as bad: restart at that zero.
		if next := bytes.IndexByte(buf[start+1:limit], 0x00); next >= 0 {
			start += 1 + next
			continue
		}
		if end > len(buf) {
			return nil, start, false
		}
		return buf[start+2 : end], end, true
	}
}
