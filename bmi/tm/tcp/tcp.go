package tcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/oplist"
	"github.com/parafs/corenet/bmi/tm"
	"github.com/parafs/corenet/bmi/wire"
)

// MaxMessageSize bounds a single TCP post (spec.md §4.1.2).
const MaxMessageSize = 256 << 20

// UnexpectedMax bounds an unexpected send's payload.
const UnexpectedMax = 16 << 10

// Addr is the TCP TM's private address struct: pure data produced by
// method_addr_lookup, with no I/O performed during parsing.
type Addr struct {
	Host string
	Port int
	str  string
}

func (a *Addr) String() string { return a.str }

// Method implements tm.Method for TCP.
type Method struct {
	mu        sync.Mutex
	listener  net.Listener
	conns     map[string]*Conn // keyed by Addr.String()
	ops       *oplist.List
	nextOpID  atomic.Uint64
	errTable  bmi.TMErrorTable
	log       *logrus.Entry
	collection *Collection

	contextsMu sync.Mutex
	results    map[bmi.ContextID]chan bmi.Completion
	unexpected chan bmi.Completion

	forgetCB tm.ForgetCallback
	dropCB   tm.DropCallback

	initialized bool
	serverMode  bool
}

var _ tm.Method = (*Method)(nil)
var _ tm.AddrCallbackSetter = (*Method)(nil)

// SetAddrCallbacks wires this TM's forget/force-drop offers into the MP
// layer's reclamation protocol (spec.md §4.2).
func (m *Method) SetAddrCallbacks(forget tm.ForgetCallback, drop tm.DropCallback) {
	m.mu.Lock()
	m.forgetCB = forget
	m.dropCB = drop
	m.mu.Unlock()
}

// New builds an uninitialized TCP method.
func New(log *logrus.Entry) *Method {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Method{
		conns:      make(map[string]*Conn),
		ops:        oplist.New(log),
		errTable:   defaultErrorTable(),
		log:        log.WithField("component", "tm-tcp"),
		results:    make(map[bmi.ContextID]chan bmi.Completion),
		unexpected: make(chan bmi.Completion, 256),
	}
}

func (m *Method) Name() string { return "tcp" }

func (m *Method) Initialize(listenAddr string, flags tm.InitFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil // already up: a second Initialize is a no-op; no count is kept, so the first Finalize tears down
	}
	backend, err := newDefaultBackend()
	if err != nil {
		return bmi.NewError(bmi.CodeNoSys, err)
	}
	m.collection = NewCollection(backend, m.log)

	if flags&tm.FlagServer != 0 {
		if listenAddr == "" {
			return bmi.NewError(bmi.CodeInval, fmt.Errorf("server mode requires a listen address"))
		}
		parsed, ok := bmi.ParseAddr(listenAddr)
		if !ok {
			return bmi.NewError(bmi.CodeInval, fmt.Errorf("malformed listen address %q", listenAddr))
		}
		ln, err := net.Listen("tcp", parsed.Rest)
		if err != nil {
			return bmi.NewError(bmi.CodeAddrInUse, err)
		}
		m.listener = ln
		m.serverMode = true
		go m.acceptLoop(ln)
	}

	m.initialized = true
	return nil
}

func newDefaultBackend() (Backend, error) {
	if b, err := NewEpollBackend(); err == nil {
		return b, nil
	}
	return NewPollBackend()
}

func (m *Method) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		m.registerUnexpectedPeer(nc)
	}
}

// registerUnexpectedPeer is invoked when a new peer connects without the
// caller having done an addr_lookup first (spec.md's AddressEntry lifecycle:
// "created ... on first receipt of an unexpected message from a new peer").
func (m *Method) registerUnexpectedPeer(nc net.Conn) {
	str := "tcp://" + nc.RemoteAddr().String()
	c := NewConn(nc, fdOf(nc), false)
	m.mu.Lock()
	m.conns[str] = c
	m.mu.Unlock()
	m.log.WithField("addr", str).Debug("accepted new peer connection")
	go m.readLoop(str, c)
}

// ListenAddr returns the address string this method is actually listening
// on, useful when Initialize was given a ":0" port and the OS chose one.
func (m *Method) ListenAddr() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return "", false
	}
	return "tcp://" + m.listener.Addr().String(), true
}

func (m *Method) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	if m.listener != nil {
		m.listener.Close()
	}
	for _, c := range m.conns {
		c.NetConn.Close()
	}
	if m.collection != nil {
		m.collection.Close()
	}
	m.initialized = false
	return nil
}

func (m *Method) OpenContext(id bmi.ContextID) error {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	if _, ok := m.results[id]; ok {
		return bmi.NewError(bmi.CodeAlready, nil)
	}
	m.results[id] = make(chan bmi.Completion, 256)
	return nil
}

func (m *Method) CloseContext(id bmi.ContextID) error {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	delete(m.results, id)
	return nil
}

func (m *Method) resultChan(ctx bmi.ContextID) chan bmi.Completion {
	m.contextsMu.Lock()
	defer m.contextsMu.Unlock()
	return m.results[ctx]
}

// getOrDial returns the Conn for addr, dialing lazily if none exists yet.
func (m *Method) getOrDial(addr any) (*Conn, error) {
	a, ok := addr.(*Addr)
	if !ok {
		return nil, bmi.NewError(bmi.CodeInval, fmt.Errorf("not a tcp address"))
	}
	m.mu.Lock()
	if c, ok := m.conns[a.str]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	nc, err := net.DialTimeout("tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), 10*time.Second)
	if err != nil {
		return nil, bmi.NewError(bmi.CodeConnRefused, err)
	}
	c := NewConn(nc, fdOf(nc), false)
	c.Addr = a
	m.mu.Lock()
	m.conns[a.str] = c
	m.mu.Unlock()
	go m.readLoop(a.str, c)
	return c, nil
}

func sumLen(buffers [][]byte) int64 {
	var n int64
	for _, b := range buffers {
		n += int64(len(b))
	}
	return n
}

func (m *Method) PostSendList(addr any, buffers [][]byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	if sumLen(buffers) > MaxMessageSize {
		return 0, false, bmi.NewError(bmi.CodeMessageSize, nil)
	}
	c, err := m.getOrDial(addr)
	if err != nil {
		return 0, false, err
	}
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Send, Tag: tag, Mode: mode, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: sumLen(buffers)}
	m.ops.Push(op)
	c.IncWriteRef()
	go m.doSend(c, op, ctx, false)
	return opID, false, nil
}

func (m *Method) doSend(c *Conn, op *oplist.MethodOp, ctx bmi.ContextID, unexpected bool) {
	defer c.DecWriteRef()
	frame := wire.Encode(wire.FrameHeader{Tag: op.Tag, Class: op.Class, Unexpected: unexpected}, op.Buffers)

	n, err := c.NetConn.Write(frame)
	sent := sumLen(op.Buffers)
	if err != nil || n < len(frame) {
		sent = 0 // a partial frame write leaves the peer unable to reassemble any of it
	}
	var compErr error
	if err != nil {
		compErr = bmi.Normalize(m.errTable, 0, err)
	}
	op.ActualSize = sent
	m.ops.Remove(op)
	m.deliver(ctx, bmi.Completion{OpID: bmi.OpID(op.OpID), Error: compErr, ActualSize: sent, UserPtr: op.UserPtr})
}

func (m *Method) PostRecvList(addr any, buffers [][]byte, tag uint32, expected int64, mode uint32, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	c, err := m.getOrDial(addr)
	if err != nil {
		return 0, false, err
	}
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Recv, Tag: tag, Mode: mode, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: expected}
	m.ops.Push(op)
	c.mu.Lock()
	c.pendingRecv = append(c.pendingRecv, op)
	c.mu.Unlock()
	if m.collection != nil {
		m.collection.Queue(c, EventRead)
	}
	return opID, false, nil
}

func (m *Method) PostSendUnexpectedList(addr any, buffers [][]byte, tag uint32, class uint8, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	if sumLen(buffers) > UnexpectedMax {
		return 0, false, bmi.NewError(bmi.CodeMessageSize, nil)
	}
	c, err := m.getOrDial(addr)
	if err != nil {
		return 0, false, err
	}
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Send, Tag: tag, Class: class, Mode: 0, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: sumLen(buffers)}
	m.ops.Push(op)
	c.IncWriteRef()
	go m.doSend(c, op, ctx, true)
	return opID, false, nil
}

func (m *Method) deliver(ctx bmi.ContextID, comp bmi.Completion) {
	if ch := m.resultChan(ctx); ch != nil {
		ch <- comp
	}
}

func (m *Method) Test(opID uint64, ctx bmi.ContextID) (bool, tm.Completion, error) {
	m.pumpReadiness(0)
	ch := m.resultChan(ctx)
	if ch == nil {
		return false, tm.Completion{}, bmi.NewError(bmi.CodeInval, nil)
	}
	select {
	case comp := <-ch:
		if uint64(comp.OpID) != opID {
			// not the op we wanted; push back for a later Test/TestContext
			ch <- comp
			return false, tm.Completion{}, nil
		}
		return true, comp, nil
	default:
		return false, tm.Completion{}, nil
	}
}

func (m *Method) TestContext(incount int, ctx bmi.ContextID, timeoutMs int) ([]tm.Completion, error) {
	m.pumpReadiness(timeoutMs)

	ch := m.resultChan(ctx)
	if ch == nil {
		return nil, bmi.NewError(bmi.CodeInval, nil)
	}
	var out []tm.Completion
	for len(out) < incount {
		select {
		case comp := <-ch:
			out = append(out, comp)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (m *Method) TestUnexpected(incount int, class uint8, hasClass bool, timeoutMs int) ([]tm.Completion, error) {
	m.pumpReadiness(timeoutMs)
	var out []tm.Completion
	for len(out) < incount {
		select {
		case comp := <-m.unexpected:
			if hasClass && comp.Class != class {
				// not our class; requeue and stop this round
				m.unexpected <- comp
				return out, nil
			}
			out = append(out, comp)
		default:
			return out, nil
		}
	}
	return out, nil
}

// pumpReadiness drives the socket collection for up to timeoutMs,
// translating ready events into reads, zero-read/dead-peer handling, and
// unexpected-message buffering.
func (m *Method) pumpReadiness(timeoutMs int) {
	if m.collection == nil {
		if timeoutMs > 0 {
			time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		}
		return
	}
	events, err := m.collection.Poll(timeoutMs, nil)
	if err != nil {
		m.log.WithError(err).Warn("socket collection poll failed")
		return
	}
	for _, ev := range events {
		m.handleReady(ev)
	}
	m.reapStalledHeaders()
}

// reapStalledHeaders forgets any peer that has sat with a partial frame
// buffered for longer than partialHeaderTimeout (spec.md §4.1.6).
func (m *Method) reapStalledHeaders() {
	now := time.Now()
	m.mu.Lock()
	stalled := make([]*Conn, 0)
	for _, c := range m.conns {
		if c.PartialHeaderStalled(now) {
			stalled = append(stalled, c)
		}
	}
	m.mu.Unlock()
	for _, c := range stalled {
		m.forgetAddr(c, bmi.NewError(bmi.CodeTimedOut, nil))
	}
}

func (m *Method) handleReady(ev ReadyEvent) {
	c := ev.Conn
	if ev.Events&(EventError|EventHangup) != 0 {
		m.forgetAddr(c, bmi.NewError(bmi.CodeNetReset, nil))
		return
	}
	if ev.Events&EventRead == 0 {
		return
	}
	buf := make([]byte, 65536)
	n, err := c.NetConn.Read(buf)
	if c.RecordRead(n) || PeerLooksDead(c.NetConn) {
		m.forgetAddr(c, bmi.NewError(bmi.CodeNetReset, err))
		return
	}
	if err != nil || n == 0 {
		return
	}
	c.frames.Feed(buf[:n])
	for {
		hdr, payload, ok, ferr := c.frames.Next()
		if ferr != nil {
			m.forgetAddr(c, bmi.NewError(bmi.CodeProto, ferr))
			return
		}
		if !ok {
			break
		}
		m.dispatchRecv(c, hdr, payload)
	}
	if c.frames.Pending() {
		c.BeginPartialHeader(nil)
	} else {
		c.ClearPartialHeader()
	}
}

func (m *Method) dispatchRecv(c *Conn, hdr wire.FrameHeader, payload []byte) {
	if !hdr.Unexpected {
		c.mu.Lock()
		var op *oplist.MethodOp
		for i, candidate := range c.pendingRecv {
			if candidate.Tag == hdr.Tag {
				op = candidate
				c.pendingRecv = append(c.pendingRecv[:i], c.pendingRecv[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

		if op != nil {
			n := copy(firstBuffer(op.Buffers), payload)
			op.ActualSize = int64(n)
			m.ops.Remove(op)
			m.deliver(bmi.ContextID(op.ContextID), bmi.Completion{OpID: bmi.OpID(op.OpID), ActualSize: int64(n), UserPtr: op.UserPtr})
			return
		}
	}

	m.unexpected <- bmi.Completion{
		Unexpected: true, Buffer: payload, Tag: hdr.Tag, Class: hdr.Class,
		Sender: bmi.MPAddr{String: c.remoteString()},
	}
}

func firstBuffer(buffers [][]byte) []byte {
	if len(buffers) == 0 {
		return nil
	}
	return buffers[0]
}

// forgetAddr fails every pending recv on c with cause and closes the
// connection (spec.md §4.1.6).
func (m *Method) forgetAddr(c *Conn, cause error) {
	c.MarkDisconnected()
	c.NetConn.Close()

	c.mu.Lock()
	pending := c.pendingRecv
	c.pendingRecv = nil
	c.mu.Unlock()

	for _, op := range pending {
		m.ops.Remove(op)
		m.deliver(bmi.ContextID(op.ContextID), bmi.Completion{OpID: bmi.OpID(op.OpID), Error: cause, UserPtr: op.UserPtr})
	}
	m.mu.Lock()
	cb := m.forgetCB
	m.mu.Unlock()
	if cb != nil && c.Addr != nil {
		cb(c.Addr)
	}
	m.log.WithError(cause).Debug("peer forgotten")
}

func (m *Method) readLoop(addrStr string, c *Conn) {
	// Driven cooperatively through pumpReadiness via the socket collection;
	// nothing to do here beyond registering interest once connected.
	if m.collection != nil {
		m.collection.Queue(c, EventRead)
	}
}

func (m *Method) Cancel(opID uint64, ctx bmi.ContextID) error {
	op, ok := m.ops.Find(oplist.Query{OpID: opID, HasOpID: true})
	if !ok {
		return nil // already completed; cancel is a no-op per spec.md §7
	}
	m.ops.Remove(op)
	m.deliver(ctx, bmi.Completion{OpID: bmi.OpID(opID), Error: bmi.NewError(bmi.CodeCanceled, nil), UserPtr: op.UserPtr})
	return nil
}

// AddrLookup is pure and idempotent: it only parses the string form.
func (m *Method) AddrLookup(s string) (any, error) {
	p, ok := bmi.ParseAddr(s)
	if !ok || p.Scheme != "tcp" {
		return nil, bmi.NewError(bmi.CodeInval, fmt.Errorf("malformed tcp address %q", s))
	}
	host, portStr, err := net.SplitHostPort(p.Rest)
	if err != nil {
		return nil, bmi.NewError(bmi.CodeInval, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, bmi.NewError(bmi.CodeInval, err)
	}
	return &Addr{Host: host, Port: port, str: s}, nil
}

func (m *Method) AddrRevLookup(tmAddr any) (string, bool) {
	a, ok := tmAddr.(*Addr)
	if !ok {
		return "", false
	}
	return a.str, true
}

func (m *Method) SetInfo(key bmi.InfoKey, val any) error {
	switch key {
	case bmi.InfoDropAddr:
		if a, ok := val.(*Addr); ok {
			m.mu.Lock()
			if c, ok := m.conns[a.str]; ok {
				c.NetConn.Close()
				delete(m.conns, a.str)
			}
			m.mu.Unlock()
		}
		return nil
	case bmi.InfoTcpCloseSocket:
		return nil
	default:
		return nil
	}
}

func (m *Method) GetInfo(key bmi.InfoKey) (any, error) {
	switch key {
	case bmi.InfoCheckMaxsize:
		return MaxMessageSize, nil
	case bmi.InfoGetUnexpSize:
		return UnexpectedMax, nil
	case bmi.InfoDropAddrQuery:
		// TCP keeps a reconnectable socket alive; refuse drop by default.
		return false, nil
	case bmi.InfoCheckInit:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.initialized, nil
	default:
		return nil, bmi.NewError(bmi.CodeOpNotSupp, nil)
	}
}

func (m *Method) QueryAddrRange(addr any, cidr string, netmask int) (int, error) {
	a, ok := addr.(*Addr)
	if !ok {
		return -1, bmi.NewError(bmi.CodeInval, nil)
	}
	if !strings.Contains(cidr, ".") {
		return -1, bmi.NewError(bmi.CodeOpNotSupp, nil)
	}
	return boolToInt(strings.HasPrefix(a.Host, cidr)), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (m *Method) NoPolling() bool { return false }

func defaultErrorTable() bmi.TMErrorTable {
	return bmi.TMErrorTable{}
}

func fdOf(nc net.Conn) int {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return -1
	}
	return fdOfTCPConn(tc)
}
