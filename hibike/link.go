package hibike

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/fieldcore/runtime/cobs"
)

// LinkState is one of the three states a Link passes through, per
// spec.md §3/§4.2.
type LinkState int

const (
	IdentifyPending LinkState = iota
	Active
	Closing
)

func (s LinkState) String() string {
	switch s {
	case IdentifyPending:
		return "IdentifyPending"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// IdentifyTimeout is how long a Link waits for a SubscriptionResponse
// after sending its identifying Ping, per spec.md §4.2/§5.
const IdentifyTimeout = 1 * time.Second

// Transport is the minimal surface a Link needs from its underlying
// serial connection. *tarm/serial.Port satisfies this directly.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Sink receives the side effects a Link produces once it is
// identified: newly discovered sensors, their decoded DeviceData
// updates, and disconnect notices. registry.Registry implements this
// interface; it is expressed here (rather than imported) to keep
// hibike free of a dependency on registry.
type Sink interface {
	Register(uid UID, dt DeviceType)
	ApplyDeviceData(uid UID, values map[string]Value)
}

// Disconnect is raised by a Link's RX task on an unrecoverable I/O
// failure, per spec.md §4.4. The hotplug observer holds these for one
// poll cycle before tearing the link down, to absorb a reconnect
// flicker.
type Disconnect struct {
	UID           UID
	InstanceNonce [16]byte
	Port          string
}

// Link is one open serial connection to one physical sensor board,
// per spec.md §3's link record.
type Link struct {
	Port          string
	Baud          int
	InstanceNonce [16]byte
	Schema        Schema
	Sink          Sink

	transport Transport
	disconnC  chan<- Disconnect

	mu            sync.Mutex
	state         LinkState
	uid           UID
	deviceType    DeviceType
	identified    bool
	lastHeartbeat time.Time

	txQueue      chan Message
	pendingMu    sync.Mutex
	pendingWrite map[string]Value
	hasPending   bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink wraps an already-open transport in a Link. A fresh random
// instance nonce is generated, per spec.md §3.
func NewLink(port string, baud int, transport Transport, schema Schema, sink Sink, disconnC chan<- Disconnect) *Link {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	return &Link{
		Port:         port,
		Baud:         baud,
		InstanceNonce: nonce,
		Schema:       schema,
		Sink:         sink,
		transport:    transport,
		disconnC:     disconnC,
		state:        IdentifyPending,
		txQueue:      make(chan Message, 32),
		pendingWrite: make(map[string]Value),
		closed:       make(chan struct{}),
	}
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// UID returns the identified sensor's UID. Only meaningful once State
// is Active or later.
func (l *Link) UID() UID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uid
}

// Run drives the link's lifecycle: identification, then the Active
// demux loop, until ctx is canceled or the transport fails. It blocks
// until the link is fully closed.
func (l *Link) Run(ctx cancel.Context) error {
	defer l.close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(ctx)
	}()

	frames := make(chan []byte, 8)
	readErrC := make(chan error, 1)
	go l.scanFrames(frames, readErrC)

	if err := l.identify(ctx, frames, readErrC); err != nil {
		l.setState(Closing)
		<-writerDone
		return err
	}

	l.setState(Active)
	// Silence the device until a real subscription is configured, per
	// spec.md §4.2.
	l.enqueue(NewSubscriptionRequest(0, 0))

	err := l.readLoop(ctx, frames, readErrC)
	l.setState(Closing)
	<-writerDone
	return err
}

func (l *Link) identify(ctx cancel.Context, frames <-chan []byte, readErrC <-chan error) error {
	l.enqueue(NewPing())

	deadline := time.NewTimer(IdentifyTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &LinkIOError{Port: l.Port, Err: fmt.Errorf("identification timed out after %s", IdentifyTimeout)}
		case err := <-readErrC:
			return &LinkIOError{Port: l.Port, Err: err}
		case body := <-frames:
			msg, err := UnmarshalBody(body)
			if err != nil {
				continue // FrameDecode/ProtocolViolation: drop and keep waiting
			}
			if msg.Type != SubscriptionResponse {
				continue // ignore anything but the response we're waiting for
			}
			resp, err := DecodeSubscriptionResponse(msg.Payload)
			if err != nil {
				continue // malformed length: stay in IdentifyPending per spec.md §8
			}
			l.mu.Lock()
			l.uid = resp.UID
			dt, ok := l.Schema.Lookup(resp.UID.DeviceType)
			if !ok {
				dt = DeviceType{ID: resp.UID.DeviceType, Name: "unknown"}
			}
			l.deviceType = dt
			l.identified = true
			l.mu.Unlock()
			l.Sink.Register(resp.UID, dt)
			return nil
		}
	}
}

// scanFrames reads raw bytes from the transport and emits decoded
// message bodies (post-COBS, post-checksum). It runs for the lifetime
// of the link, feeding both identify() and readLoop().
func (l *Link) scanFrames(out chan<- []byte, errC chan<- error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 1024)
	for {
		n, err := l.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				section, consumed, ok := cobs.Scan(buf)
				if !ok {
					buf = buf[consumed:]
					break
				}
				buf = buf[consumed:]
				body, uerr := cobs.Unframe(section)
				if uerr != nil {
					continue // FrameDecode: drop and resync at next 0x00
				}
				select {
				case out <- body:
				case <-l.closed:
					return
				}
			}
		}
		if err != nil {
			select {
			case errC <- err:
			case <-l.closed:
			}
			return
		}
	}
}

// readLoop is the Active-state demultiplexer: it routes DeviceData
// into the sink, answers heartbeats, and drops everything else without
// logging it, per spec.md §4.2.
func (l *Link) readLoop(ctx cancel.Context, frames <-chan []byte, errC <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errC:
			l.reportDisconnect()
			return &LinkIOError{Port: l.Port, Err: err}
		case body := <-frames:
			msg, err := UnmarshalBody(body)
			if err != nil {
				continue
			}
			l.handle(msg)
		}
	}
}

func (l *Link) handle(msg Message) {
	switch msg.Type {
	case DeviceData:
		values, err := DecodeDeviceValues(l.deviceType, msg.Payload)
		if err != nil {
			return
		}
		l.Sink.ApplyDeviceData(l.uid, values)
	case HeartBeatRequest:
		id := DecodeHeartBeatRequest(msg.Payload)
		l.mu.Lock()
		l.lastHeartbeat = time.Now()
		l.mu.Unlock()
		l.enqueue(NewHeartBeatResponse(id))
	case SubscriptionResponse:
		// Accepted and ignored once identified: the link does not record
		// the delay it carries, and the bitmask/uid fields are not
		// re-applied.
	case ErrorMessage:
		// Dropped without logging; the engine treats Error frames as
		// inert.
	default:
		// ProtocolViolation: unexpected type in Active state. Dropped.
	}
}

// LastHeartbeat reports when the link last saw a HeartBeatRequest,
// for the supervisor to notice a link gone silent without an I/O
// error.
func (l *Link) LastHeartbeat() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHeartbeat
}

func (l *Link) reportDisconnect() {
	if l.disconnC == nil {
		return
	}
	select {
	case l.disconnC <- Disconnect{UID: l.UID(), InstanceNonce: l.InstanceNonce, Port: l.Port}:
	default:
	}
}

// Subscribe publishes a SubscriptionRequest for the named parameters
// at the given period, per spec.md §4.2's subscription policy.
func (l *Link) Subscribe(paramNames []string, periodMS uint16) error {
	mask, err := l.deviceType.Bitmask(paramNames)
	if err != nil {
		return err
	}
	l.enqueue(NewSubscriptionRequest(mask, periodMS))
	return nil
}

// Read requests an immediate DeviceRead of the given parameters.
func (l *Link) Read(paramNames []string) error {
	mask, err := l.deviceType.Bitmask(paramNames)
	if err != nil {
		return err
	}
	l.enqueue(NewDeviceRead(mask))
	return nil
}

// Write queues a host-originated parameter write. Per spec.md §4.2's
// transmit discipline, writes queued before the writer drains are
// coalesced into a single DeviceWrite whose bitmask is the union.
func (l *Link) Write(name string, v Value) {
	l.pendingMu.Lock()
	l.pendingWrite[name] = v
	l.hasPending = true
	l.pendingMu.Unlock()
}

func (l *Link) enqueue(msg Message) {
	select {
	case l.txQueue <- msg:
	case <-l.closed:
	}
}

// writeLoop serializes outbound frames in FIFO order (per spec.md
// §5's single-link ordering guarantee), periodically draining any
// coalesced parameter writes.
func (l *Link) writeLoop(ctx cancel.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.drainAndClose()
			return
		case <-l.closed:
			return
		case msg := <-l.txQueue:
			l.send(msg)
		case <-ticker.C:
			l.flushPendingWrite()
		}
	}
}

func (l *Link) flushPendingWrite() {
	l.pendingMu.Lock()
	if !l.hasPending {
		l.pendingMu.Unlock()
		return
	}
	values := l.pendingWrite
	l.pendingWrite = make(map[string]Value)
	l.hasPending = false
	l.pendingMu.Unlock()

	msg, err := EncodeDeviceValues(l.deviceType, values, DeviceWrite)
	if err != nil {
		return
	}
	l.send(msg)
}

func (l *Link) send(msg Message) {
	frame, err := msg.Marshal()
	if err != nil {
		return
	}
	_, _ = l.transport.Write(frame)
}

// drainAndClose flushes the tx queue with a short deadline before
// releasing resources, per spec.md §4.2's Closing state.
func (l *Link) drainAndClose() {
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-l.txQueue:
			l.send(msg)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.transport.Close()
	})
}

// Close releases the link's transport immediately and returns once the
// transport's Close returns. The hotplug observer calls it directly
// from closePort, on the goroutine running the port sync, so a serial
// close() that blocks also blocks that goroutine.
func (l *Link) Close() {
	l.close()
}
