// Package rpc implements the supervisor RPC surface from spec.md §6:
// a MessagePack-framed request/response server reachable over TCP or
// a UNIX socket. The accept-loop/per-connection-handler shape mirrors
// GoAethereal-modbus/server.go's Serve/handle split; the wire format
// (numbered request/response records decoded back to back off one
// connection) mirrors aio_msgpack_rpc, the client library
// original_source/shepherd/runtimeclient.py is built on.
package rpc

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/GoAethereal/cancel"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/fieldcore/runtime/internal/logging"
)

var mh = &codec.MsgpackHandle{}

// Request is one call frame: an id for response correlation, the
// method name, and its positional parameters.
type Request struct {
	ID     uint64        `codec:"id"`
	Method string        `codec:"method"`
	Params []interface{} `codec:"params"`
}

// Response answers a Request by the same id. Error is empty on
// success. A non-empty Method instead marks this frame as a
// server-pushed Notify event: ID is meaningless on those frames, and
// no Request of the client's ever solicited them (the server writes
// them unprompted, per spec.md §6's register_device/unregister_device
// direction).
type Response struct {
	ID     uint64      `codec:"id"`
	Method string      `codec:"method,omitempty"`
	Error  string      `codec:"error,omitempty"`
	Result interface{} `codec:"result,omitempty"`
}

// Handler implements one RPC method.
type Handler func(params []interface{}) (interface{}, error)

// serverConn pairs a connection with the mutex that serializes every
// write to it: both the per-request Response and any broadcast Notify
// frame land on the same wire, and net.Conn.Write is not safe to call
// concurrently from two goroutines.
type serverConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *serverConn) write(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// Server dispatches decoded Requests to registered Handlers and
// encodes their Response back onto the same connection. It also
// tracks every live connection so Notify can push a server-initiated
// event frame to each of them, mirroring store.Store's peer broadcast.
type Server struct {
	Network string // "tcp" or "unix"
	Address string
	Logger  *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	connsMu sync.Mutex
	conns   map[string]*serverConn
}

// NewServer returns a Server listening on network/address once Serve
// is called (network is "tcp" or "unix", matching net.Listen).
func NewServer(network, address string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("fieldcore.rpc")
	}
	return &Server{
		Network:  network,
		Address:  address,
		Logger:   logger,
		handlers: make(map[string]Handler),
		conns:    make(map[string]*serverConn),
	}
}

// Register binds name to handler. Call before Serve.
func (s *Server) Register(name string, handler Handler) {
	s.mu.Lock()
	s.handlers[name] = handler
	s.mu.Unlock()
}

func (s *Server) handlerFor(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Serve accepts connections on Network/Address and handles each
// concurrently until ctx is canceled.
func (s *Server) Serve(ctx cancel.Context) error {
	l, err := net.Listen(s.Network, s.Address)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			default:
				continue
			}
		}
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}(conn)
	}
}

// handleConn decodes a sequence of Requests off conn and writes back
// a Response per call until the connection closes or ctx is canceled.
func (s *Server) handleConn(ctx cancel.Context, conn net.Conn) {
	defer conn.Close()

	id := fmt.Sprintf("%s#%p", conn.RemoteAddr(), conn)
	sc := &serverConn{conn: conn}
	s.addConn(id, sc)
	defer s.dropConn(id)

	closeOnCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closeOnCancel:
		}
	}()
	defer close(closeOnCancel)

	dec := codec.NewDecoder(bufio.NewReader(conn), mh)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)

		var buf []byte
		enc := codec.NewEncoderBytes(&buf, mh)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if err := sc.write(buf); err != nil {
			return
		}
	}
}

func (s *Server) addConn(id string, sc *serverConn) {
	s.connsMu.Lock()
	s.conns[id] = sc
	s.connsMu.Unlock()
}

func (s *Server) dropConn(id string) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

// Notify pushes an unsolicited event frame to every currently
// connected client, best-effort (a client that has gone away is
// dropped rather than retried), per spec.md §6's register_device/
// unregister_device push direction.
func (s *Server) Notify(method string, params ...interface{}) {
	resp := Response{Method: method, Result: params}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(resp); err != nil {
		return
	}

	s.connsMu.Lock()
	conns := make(map[string]*serverConn, len(s.conns))
	for id, sc := range s.conns {
		conns[id] = sc
	}
	s.connsMu.Unlock()

	for id, sc := range conns {
		if err := sc.write(buf); err != nil {
			s.dropConn(id)
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	handler, ok := s.handlerFor(req.Method)
	if !ok {
		return Response{ID: req.ID, Error: fmt.Sprintf("rpc: unknown method %q", req.Method)}
	}
	result, err := handler(req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

// Client is a caller over the same wire format, used by tests and any
// in-process caller (e.g. a companion CLI) that needs to reach the RPC
// surface without a full driver-station stack. It runs a background
// read loop so a server-pushed Notify frame can arrive at any time,
// interleaved with a call's own response, rather than only right after
// a Call's write the way a bare synchronous request/response client
// would assume.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response

	// NotifyHandler, if set, is invoked from the read loop for every
	// server-pushed event frame (Method non-empty). It must not block.
	NotifyHandler func(method string, params []interface{})
}

// Dial opens a Client connection to network/address.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// readLoop decodes every frame off the connection, routing call
// responses back to their waiting Call and server-pushed notifications
// to NotifyHandler.
func (c *Client) readLoop() {
	dec := codec.NewDecoder(bufio.NewReader(c.conn), mh)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			c.failPending(err)
			return
		}
		if resp.Method != "" {
			if c.NotifyHandler != nil {
				params, _ := resp.Result.([]interface{})
				c.NotifyHandler(resp.Method, params)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failPending unblocks every outstanding Call once the connection
// breaks, so a caller waiting on a reply that will never arrive does
// not hang forever.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan Response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- Response{Error: err.Error()}
	}
}

// Call invokes method with params and returns its result, or an error
// if the server reported one.
func (c *Client) Call(method string, params ...interface{}) (interface{}, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{ID: id, Method: method, Params: params}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	c.writeMu.Lock()
	_, err := c.conn.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	resp := <-ch
	if resp.Error != "" {
		return nil, fmt.Errorf("rpc: %s", resp.Error)
	}
	return resp.Result, nil
}

// Close releases the client's connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
