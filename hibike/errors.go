package hibike

import "fmt"

// FrameDecodeError covers malformed COBS, bad length, checksum
// mismatch, or truncated payload: always recoverable by dropping the
// frame and resynchronizing (spec.md §7).
type FrameDecodeError struct {
	Reason string
}

func (e *FrameDecodeError) Error() string {
	return "hibike: frame decode: " + e.Reason
}

// LinkIOError covers serial read/write failure, EOF, or a vanished
// port. Link-fatal: triggers the pending-disconnect path (spec.md
// §4.4/§7).
type LinkIOError struct {
	Port string
	Err  error
}

func (e *LinkIOError) Error() string {
	return fmt.Sprintf("hibike: link I/O on %s: %v", e.Port, e.Err)
}

func (e *LinkIOError) Unwrap() error { return e.Err }

// ProtocolViolation covers an unexpected message type for the current
// link state, or a payload length disagreeing with the declared
// device type. The link drops the frame without logging it; never
// link-fatal (spec.md §7).
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "hibike: protocol violation: " + e.Reason
}
