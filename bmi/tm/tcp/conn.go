package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/parafs/corenet/bmi/oplist"
	"github.com/parafs/corenet/bmi/wire"
)

// deadZeroReadLimit is the number of consecutive zero-byte reads that marks
// a peer dead (spec.md §4.1.6).
const deadZeroReadLimit = 10

// partialHeaderTimeout bounds how long a connection may sit with a partial
// message header buffered before it is considered stalled.
const partialHeaderTimeout = 10 * time.Second

// Conn tracks everything the socket collection and the TCP TM need to know
// about one peer connection.
type Conn struct {
	mu sync.Mutex

	NetConn net.Conn
	fd      int

	Connected bool
	IsServer  bool // true for the listening/accept socket

	writeRefCount  int // number of sends currently queued; epoll enables EPOLLOUT while > 0
	zeroReadCount  int
	partialHeader  []byte
	partialSince   time.Time

	// Addr is the TM-private address struct this conn belongs to, set once
	// resolved; used for the reference list's back-pointer.
	Addr any

	// pendingRecv is the FIFO of posted receives awaiting data on this
	// socket, served in post order as bytes arrive.
	pendingRecv []*oplist.MethodOp

	// frames reassembles wire.FrameHeader-delimited messages out of
	// whatever this socket's reads happen to return.
	frames wire.Reader
}

// NewConn wraps an established net.Conn.
func NewConn(nc net.Conn, fd int, isServer bool) *Conn {
	return &Conn{NetConn: nc, fd: fd, Connected: true, IsServer: isServer}
}

// FD returns the raw file descriptor backing this connection.
func (c *Conn) FD() int { return c.fd }

// IncWriteRef marks one more send as queued on this socket. The epoll
// backend uses the transition 0->1 to enable EPOLLOUT.
func (c *Conn) IncWriteRef() (becameActive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeRefCount++
	return c.writeRefCount == 1
}

// DecWriteRef marks one send as drained. The epoll backend uses the
// transition 1->0 to disable EPOLLOUT.
func (c *Conn) DecWriteRef() (becameIdle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeRefCount > 0 {
		c.writeRefCount--
	}
	return c.writeRefCount == 0
}

// RecordRead updates the zero-read counter; returns true once the peer has
// crossed deadZeroReadLimit consecutive zero-byte reads, meaning it should
// be treated as dead.
func (c *Conn) RecordRead(n int) (dead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == 0 {
		c.zeroReadCount++
	} else {
		c.zeroReadCount = 0
	}
	return c.zeroReadCount >= deadZeroReadLimit
}

// BeginPartialHeader starts (or continues) tracking a partially received
// message header, for the 10s stall watchdog.
func (c *Conn) BeginPartialHeader(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partialHeader == nil {
		c.partialSince = time.Now()
	}
	c.partialHeader = buf
}

// ClearPartialHeader is called once a full header has been assembled.
func (c *Conn) ClearPartialHeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partialHeader = nil
}

// PartialHeaderStalled reports whether a partial header has been sitting
// for longer than partialHeaderTimeout.
func (c *Conn) PartialHeaderStalled(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partialHeader != nil && now.Sub(c.partialSince) > partialHeaderTimeout
}

// MarkDisconnected flips Connected off; idempotent.
func (c *Conn) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = false
}

// remoteString resolves this conn's string address, preferring the
// TM-private Addr (set once addr_lookup has resolved it) and falling back to
// the raw socket peer for connections that arrived via accept().
func (c *Conn) remoteString() string {
	if c.Addr != nil {
		if s, ok := c.Addr.(interface{ String() string }); ok {
			return s.String()
		}
	}
	return "tcp://" + c.NetConn.RemoteAddr().String()
}
