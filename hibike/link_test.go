package hibike

import (
	"net"
	"testing"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/fieldcore/runtime/cobs"
)

// pipeTransport adapts a net.Conn (from net.Pipe) to the Transport
// interface, simulating the device end of a serial link for tests.
type pipeTransport struct {
	net.Conn
}

type fakeSink struct {
	registered chan UID
	data       chan map[string]Value
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		registered: make(chan UID, 4),
		data:       make(chan map[string]Value, 4),
	}
}

func (f *fakeSink) Register(uid UID, dt DeviceType) {
	f.registered <- uid
}

func (f *fakeSink) ApplyDeviceData(uid UID, values map[string]Value) {
	f.data <- values
}

// deviceHalf simulates the smart-sensor side of the wire: it reads
// frames written by the Link and replies.
type deviceHalf struct {
	conn net.Conn
}

func (d *deviceHalf) readMessage(t *testing.T) Message {
	t.Helper()
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)
	for {
		section, consumed, ok := cobs.Scan(buf)
		if ok {
			buf = buf[consumed:]
			body, err := cobs.Unframe(section)
			if err != nil {
				t.Fatalf("device: unframe error: %v", err)
			}
			msg, err := UnmarshalBody(body)
			if err != nil {
				t.Fatalf("device: unmarshal error: %v", err)
			}
			return msg
		}
		buf = buf[consumed:]
		n, err := d.conn.Read(chunk)
		if err != nil {
			t.Fatalf("device: read error: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func (d *deviceHalf) send(t *testing.T, msg Message) {
	t.Helper()
	frame, err := msg.Marshal()
	if err != nil {
		t.Fatalf("device: marshal error: %v", err)
	}
	if _, err := d.conn.Write(frame); err != nil {
		t.Fatalf("device: write error: %v", err)
	}
}

func TestLinkIdentifyAndSubscriptionSilence(t *testing.T) {
	hostConn, deviceConn := net.Pipe()
	defer hostConn.Close()
	defer deviceConn.Close()

	sink := newFakeSink()
	disconnC := make(chan Disconnect, 1)
	link := NewLink("/virtual/motor0", 115200, pipeTransport{hostConn}, DefaultSchema, sink, disconnC)

	sig := cancel.New()
	defer sig.Cancel()

	runErrC := make(chan error, 1)
	go func() { runErrC <- link.Run(sig) }()

	dev := &deviceHalf{conn: deviceConn}
	ping := dev.readMessage(t)
	if ping.Type != Ping {
		t.Fatalf("first message = %v, want Ping", ping.Type)
	}

	wantUID := MakeUID(0x000D, 0x00, 0x0123456789ABCDEF)
	dev.send(t, EncodeSubscriptionResponse(SubscriptionResponsePayload{UID: wantUID}))

	select {
	case uid := <-sink.registered:
		if uid != wantUID {
			t.Fatalf("registered uid = %v, want %v", uid, wantUID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration")
	}

	silence := dev.readMessage(t)
	if silence.Type != SubscriptionRequest {
		t.Fatalf("post-identify message = %v, want SubscriptionRequest", silence.Type)
	}
	if len(silence.Payload) != 4 || silence.Payload[0] != 0 || silence.Payload[1] != 0 {
		t.Fatalf("silencing request payload = % x, want bitmask=0 delay=0", silence.Payload)
	}

	if link.State() != Active {
		t.Fatalf("state = %v, want Active", link.State())
	}

	sig.Cancel()
	select {
	case <-runErrC:
	case <-time.After(time.Second):
		t.Fatal("link.Run did not return after cancellation")
	}
}

func TestLinkHeartbeatRoundTrip(t *testing.T) {
	hostConn, deviceConn := net.Pipe()
	defer hostConn.Close()
	defer deviceConn.Close()

	sink := newFakeSink()
	link := NewLink("/virtual/sensor0", 115200, pipeTransport{hostConn}, DefaultSchema, sink, nil)

	sig := cancel.New()
	defer sig.Cancel()
	go link.Run(sig)

	dev := &deviceHalf{conn: deviceConn}
	dev.readMessage(t) // Ping

	uid := MakeUID(0x00, 0x00, 1)
	dev.send(t, EncodeSubscriptionResponse(SubscriptionResponsePayload{UID: uid}))
	<-sink.registered
	dev.readMessage(t) // silencing SubscriptionRequest

	dev.send(t, Message{Type: HeartBeatRequest, Payload: []byte{42}})
	resp := dev.readMessage(t)
	if resp.Type != HeartBeatResponse {
		t.Fatalf("response type = %v, want HeartBeatResponse", resp.Type)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != 42 {
		t.Fatalf("response payload = %v, want [42]", resp.Payload)
	}
}

func TestLinkIdentifyTimeout(t *testing.T) {
	hostConn, deviceConn := net.Pipe()
	defer hostConn.Close()
	defer deviceConn.Close()

	sink := newFakeSink()
	link := NewLink("/virtual/silent0", 115200, pipeTransport{hostConn}, DefaultSchema, sink, nil)

	sig := cancel.New()
	defer sig.Cancel()

	// never reply; identify should time out after the full
	// IdentifyTimeout. A throwaway goroutine reads the Ping to keep the
	// pipe unblocked.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := deviceConn.Read(buf); err != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- link.Run(sig) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected identify timeout error")
		}
	case <-time.After(IdentifyTimeout + 500*time.Millisecond):
		t.Fatal("link.Run did not return after identify timeout")
	}
	if link.State() != Closing {
		t.Fatalf("state = %v, want Closing", link.State())
	}
}
