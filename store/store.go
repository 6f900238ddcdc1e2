// Package store implements the replicated shared key/value dictionary
// from spec.md §4.5: any worker may Set or Delete a key, the change
// broadcasts to every other worker over a bus of UNIX-socket
// connections, and reads are always local (eventual consistency).
package store

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/fieldcore/runtime/internal/logging"
)

var mh = &codec.MsgpackHandle{}

// command tags the replicated operation an update frame carries, per
// spec.md §4.5's "(command_tag, key, [value])" wire shape.
type command byte

const (
	cmdSet command = 1
	cmdDel command = 2
)

// update is the wire frame for one replicated operation. msgpack is
// self-delimiting, so a sequence of updates can be decoded back to
// back off one stream without an additional length prefix -- this is
// the "serialized and delimited" framing spec.md §4.5 asks for.
type update struct {
	Cmd   command `codec:"cmd"`
	Key   string  `codec:"key"`
	Value []byte  `codec:"value"`
}

// WatchFunc is a per-key callback fired on local application of a
// broadcast update, per spec.md §4.5.
type WatchFunc func(key string, value []byte, deleted bool)

// Store is one worker's replica of the shared dictionary plus its
// bus connections to every other known peer.
type Store struct {
	SocketDir string
	Logger    *logging.Logger

	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[string][]WatchFunc

	peersMu sync.Mutex
	peers   map[string]net.Conn

	listener net.Listener
	pid      int
}

// New returns a Store that will publish its endpoint under
// socketDir/<pid>.sock and discover peers by enumerating that same
// directory, per spec.md §4.5.
func New(socketDir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.New("fieldcore.store")
	}
	return &Store{
		SocketDir: socketDir,
		Logger:    logger,
		data:      make(map[string][]byte),
		watchers:  make(map[string][]WatchFunc),
		peers:     make(map[string]net.Conn),
		pid:       os.Getpid(),
	}
}

func (s *Store) socketPath() string {
	return filepath.Join(s.SocketDir, strconv.Itoa(s.pid)+".sock")
}

// Run opens this store's own endpoint, joins existing peers under an
// exclusive filesystem lock to prevent a split-brain join, then serves
// incoming peer connections until ctx is canceled.
func (s *Store) Run(ctx cancel.Context) error {
	if err := os.MkdirAll(s.SocketDir, 0o755); err != nil {
		return err
	}

	path := s.socketPath()
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = l
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	if err := s.joinPeers(ctx); err != nil {
		s.Logger.Warn("peer join encountered an error", "err", err.Error())
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.addPeer(conn.RemoteAddr().String()+fmt.Sprintf("#%p", conn), conn)
		go s.readLoop(conn)
	}
}

// joinPeers enumerates socketDir for sibling *.sock endpoints under an
// exclusive lock (so two peers starting simultaneously serialize their
// discovery instead of both missing each other), and dials each one.
func (s *Store) joinPeers(ctx cancel.Context) error {
	lockPath := filepath.Join(s.SocketDir, ".join.lock")
	lock := flock.New(lockPath)

	lockCtx, cancelFn := cancel.Promote(ctx)
	defer cancelFn()
	locked, err := lock.TryLockContext(lockCtx, 20*time.Millisecond)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("store: timed out acquiring peer-join lock")
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(s.SocketDir)
	if err != nil {
		return err
	}
	mine := filepath.Base(s.socketPath())
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sock") || name == mine {
			continue
		}
		path := filepath.Join(s.SocketDir, name)
		dialCtx, dialCancel := cancel.Promote(ctx)
		conn, derr := new(net.Dialer).DialContext(dialCtx, "unix", path)
		dialCancel()
		if derr != nil {
			s.Logger.Warn("failed to dial peer", "peer", name, "err", derr.Error())
			continue
		}
		s.addPeer(name, conn)
		go s.readLoop(conn)
	}
	return nil
}

func (s *Store) addPeer(id string, conn net.Conn) {
	s.peersMu.Lock()
	s.peers[id] = conn
	s.peersMu.Unlock()
}

func (s *Store) dropPeer(id string) {
	s.peersMu.Lock()
	delete(s.peers, id)
	s.peersMu.Unlock()
}

// readLoop decodes a sequence of update frames off one peer
// connection, applying each locally, until the connection breaks.
func (s *Store) readLoop(conn net.Conn) {
	id := conn.RemoteAddr().String() + fmt.Sprintf("#%p", conn)
	defer func() {
		conn.Close()
		s.dropPeer(id)
	}()
	dec := codec.NewDecoder(bufio.NewReader(conn), mh)
	for {
		var u update
		if err := dec.Decode(&u); err != nil {
			return
		}
		s.applyLocal(u)
	}
}

func (s *Store) applyLocal(u update) {
	s.mu.Lock()
	switch u.Cmd {
	case cmdSet:
		s.data[u.Key] = u.Value
	case cmdDel:
		delete(s.data, u.Key)
	}
	watchers := append([]WatchFunc(nil), s.watchers[u.Key]...)
	s.mu.Unlock()

	for _, w := range watchers {
		w(u.Key, u.Value, u.Cmd == cmdDel)
	}
}

// Set applies key=value locally and broadcasts the update to every
// known peer. Remote replicas observe the change only once the
// broadcast arrives (eventual consistency), per spec.md §4.5.
func (s *Store) Set(key string, value []byte) {
	s.applyLocal(update{Cmd: cmdSet, Key: key, Value: value})
	s.broadcast(update{Cmd: cmdSet, Key: key, Value: value})
}

// Delete removes key locally and broadcasts the deletion.
func (s *Store) Delete(key string) {
	s.applyLocal(update{Cmd: cmdDel, Key: key})
	s.broadcast(update{Cmd: cmdDel, Key: key})
}

// Get reads the local replica. It never blocks on the network, per
// spec.md §4.5's "Reads are local".
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Watch registers fn to fire whenever key is updated by a broadcast
// apply (including this store's own local writes).
func (s *Store) Watch(key string, fn WatchFunc) {
	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], fn)
	s.mu.Unlock()
}

func (s *Store) broadcast(u update) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(u); err != nil {
		return
	}

	s.peersMu.Lock()
	peers := make(map[string]net.Conn, len(s.peers))
	for id, conn := range s.peers {
		peers[id] = conn
	}
	s.peersMu.Unlock()

	for id, conn := range peers {
		if _, err := conn.Write(buf); err != nil {
			s.dropPeer(id)
		}
	}
}
