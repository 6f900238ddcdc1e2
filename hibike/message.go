package hibike

import (
	"encoding/binary"
	"fmt"

	"github.com/fieldcore/runtime/cobs"
)

// MessageType is the one-byte type code identifying a Hibike message,
// per spec.md §4.2.
type MessageType byte

const (
	Ping                  MessageType = 0x10
	SubscriptionRequest   MessageType = 0x11
	SubscriptionResponse  MessageType = 0x12
	DeviceRead            MessageType = 0x13
	DeviceWrite           MessageType = 0x14
	DeviceData            MessageType = 0x15
	Disable               MessageType = 0x16
	HeartBeatRequest      MessageType = 0x17
	HeartBeatResponse     MessageType = 0x18
	ErrorMessage          MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "Ping"
	case SubscriptionRequest:
		return "SubscriptionRequest"
	case SubscriptionResponse:
		return "SubscriptionResponse"
	case DeviceRead:
		return "DeviceRead"
	case DeviceWrite:
		return "DeviceWrite"
	case DeviceData:
		return "DeviceData"
	case Disable:
		return "Disable"
	case HeartBeatRequest:
		return "HeartBeatRequest"
	case HeartBeatResponse:
		return "HeartBeatResponse"
	case ErrorMessage:
		return "Error"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", byte(t))
	}
}

// Message is a decoded Hibike message: a type and its raw payload.
// Payload interpretation is type-specific; see the Encode*/Decode*
// helpers below.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Marshal produces the on-wire frame for m: the COBS+checksum framing
// from the cobs package wrapped around [type, length, payload...].
func (m Message) Marshal() ([]byte, error) {
	if len(m.Payload) > 255 {
		return nil, fmt.Errorf("hibike: payload length %d exceeds protocol maximum", len(m.Payload))
	}
	body := make([]byte, 2+len(m.Payload))
	body[0] = byte(m.Type)
	body[1] = byte(len(m.Payload))
	copy(body[2:], m.Payload)
	return cobs.Frame(body), nil
}

// UnmarshalBody decodes a message body (as returned by cobs.Unframe)
// into a Message. It validates the declared length against the actual
// payload length, raising ProtocolViolation on mismatch.
func UnmarshalBody(body []byte) (Message, error) {
	if len(body) < 2 {
		return Message{}, &ProtocolViolation{Reason: "body shorter than header"}
	}
	msgType := MessageType(body[0])
	length := int(body[1])
	payload := body[2:]
	if len(payload) != length {
		return Message{}, &ProtocolViolation{Reason: fmt.Sprintf(
			"declared length %d disagrees with actual payload length %d", length, len(payload))}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// NewPing builds an empty Ping message.
func NewPing() Message {
	return Message{Type: Ping}
}

// NewDisable builds an empty Disable message.
func NewDisable() Message {
	return Message{Type: Disable}
}

// NewHeartBeatResponse echoes id back to the device.
func NewHeartBeatResponse(id byte) Message {
	return Message{Type: HeartBeatResponse, Payload: []byte{id}}
}

// NewSubscriptionRequest encodes bitmask/delay_ms into a
// SubscriptionRequest payload.
func NewSubscriptionRequest(bitmask, delayMS uint16) Message {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:], bitmask)
	binary.LittleEndian.PutUint16(payload[2:], delayMS)
	return Message{Type: SubscriptionRequest, Payload: payload}
}

// NewDeviceRead encodes a DeviceRead request for the given bitmask.
func NewDeviceRead(bitmask uint16) Message {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, bitmask)
	return Message{Type: DeviceRead, Payload: payload}
}

// SubscriptionResponsePayload is the decoded form of a
// SubscriptionResponse: spec.md §4.2's fixed 15-byte payload.
type SubscriptionResponsePayload struct {
	Bitmask uint16
	DelayMS uint16
	UID     UID
}

// DecodeSubscriptionResponse validates and decodes a
// SubscriptionResponse payload. Per spec.md §8, a payload whose length
// is not exactly 15 is rejected.
func DecodeSubscriptionResponse(payload []byte) (SubscriptionResponsePayload, error) {
	if len(payload) != 15 {
		return SubscriptionResponsePayload{}, &ProtocolViolation{
			Reason: fmt.Sprintf("SubscriptionResponse payload length %d, want 15", len(payload)),
		}
	}
	bitmask := binary.LittleEndian.Uint16(payload[0:2])
	delay := binary.LittleEndian.Uint16(payload[2:4])
	devType := binary.LittleEndian.Uint16(payload[4:6])
	year := payload[6]
	serial := binary.LittleEndian.Uint64(payload[7:15])
	return SubscriptionResponsePayload{
		Bitmask: bitmask,
		DelayMS: delay,
		UID:     MakeUID(devType, year, serial),
	}, nil
}

// EncodeSubscriptionResponse is the device-side encoder, used by the
// test harness and any virtual-device simulator to fabricate a
// SubscriptionResponse without real hardware.
func EncodeSubscriptionResponse(p SubscriptionResponsePayload) Message {
	payload := make([]byte, 15)
	binary.LittleEndian.PutUint16(payload[0:2], p.Bitmask)
	binary.LittleEndian.PutUint16(payload[2:4], p.DelayMS)
	binary.LittleEndian.PutUint16(payload[4:6], p.UID.DeviceType)
	payload[6] = p.UID.Year
	binary.LittleEndian.PutUint64(payload[7:15], p.UID.Serial)
	return Message{Type: SubscriptionResponse, Payload: payload}
}

// DecodeHeartBeatRequest extracts the echo id, if present (the device
// may omit it, per spec.md's "empty/u8" payload).
func DecodeHeartBeatRequest(payload []byte) byte {
	if len(payload) == 0 {
		return 0
	}
	return payload[0]
}

// EncodeDeviceValues packs params (in strictly ascending bitmask-index
// order, per spec.md §4.2) into a DeviceWrite or DeviceData payload.
func EncodeDeviceValues(dt DeviceType, values map[string]Value, msgType MessageType) (Message, error) {
	bitmask, err := bitmaskFor(dt, values)
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, 2, 2+estimateSize(dt, bitmask))
	binary.LittleEndian.PutUint16(payload, bitmask)
	for i, p := range dt.Params {
		if bitmask&(1<<uint(i)) == 0 {
			continue
		}
		v, ok := values[p.Name]
		if !ok {
			return Message{}, fmt.Errorf("hibike: missing value for parameter %q", p.Name)
		}
		payload = EncodeValue(payload, p.Type, v)
	}
	return Message{Type: msgType, Payload: payload}, nil
}

func bitmaskFor(dt DeviceType, values map[string]Value) (uint16, error) {
	var mask uint16
	for name := range values {
		i := dt.Index(name)
		if i < 0 {
			return 0, fmt.Errorf("hibike: device %q has no parameter %q", dt.Name, name)
		}
		mask |= 1 << uint(i)
	}
	return mask, nil
}

func estimateSize(dt DeviceType, bitmask uint16) int {
	n := 0
	for i, p := range dt.Params {
		if bitmask&(1<<uint(i)) != 0 {
			n += p.Type.Size()
		}
	}
	return n
}

// DecodeDeviceValues unpacks a DeviceWrite/DeviceData payload's
// bitmask-selected parameters, in ascending index order, per spec.md
// §4.2.
func DecodeDeviceValues(dt DeviceType, payload []byte) (map[string]Value, error) {
	if len(payload) < 2 {
		return nil, &ProtocolViolation{Reason: "DeviceWrite/DeviceData payload shorter than bitmask header"}
	}
	bitmask := binary.LittleEndian.Uint16(payload[0:2])
	rest := payload[2:]
	out := make(map[string]Value)
	for i := 0; i < MaxParameters && i < len(dt.Params); i++ {
		if bitmask&(1<<uint(i)) == 0 {
			continue
		}
		p := dt.Params[i]
		v, tail, err := DecodeValue(rest, p.Type)
		if err != nil {
			return nil, &ProtocolViolation{Reason: err.Error()}
		}
		out[p.Name] = v
		rest = tail
	}
	return out, nil
}
