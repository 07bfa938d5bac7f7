package mx

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/oplist"
	"github.com/parafs/corenet/bmi/tm"
)

// PeerState tracks one remote endpoint through the connection handshake.
type PeerState int

const (
	StateInit PeerState = iota
	StateWait
	StateReady
	StateDisconnect
)

// MaxMessageSize bounds a single expected send/recv (spec.md §4.1.2).
// UnexpectedMax bounds an unexpected send's payload, mirroring bmi_tcp's
// split between a general transfer max and a smaller unexpected-only max.
const (
	MaxMessageSize = 256 << 20
	UnexpectedMax  = 16 << 10
)

// Addr names a peer by its simulated MX node id.
type Addr struct {
	Node uint32
	str  string
}

func (a *Addr) String() string { return a.str }

// queuedOp is a send or recv that arrived before its peer reached
// StateReady; queuedTxs/queuedRxs drain these FIFO once the handshake
// completes.
type queuedOp struct {
	op     *oplist.MethodOp
	isSend bool
	ctx    bmi.ContextID
}

// peer holds per-remote-endpoint handshake and queueing state.
type peer struct {
	mu         sync.Mutex
	node       uint32
	state      PeerState
	queuedTxs  *queue.Queue
	queuedRxs  *queue.Queue
}

// Method implements tm.Method for the simulated MX transport.
type Method struct {
	mu sync.Mutex

	device   Device
	node     uint32
	peers    map[uint32]*peer
	ops      *oplist.List
	nextOpID atomic.Uint64
	errTable bmi.TMErrorTable
	log      *logrus.Entry

	// pendingRecvs indexes posted-but-unmatched recvs by tag for expected
	// messages whose peer is already READY.
	pendingRecvsMu sync.Mutex
	pendingRecvs   map[uint32][]*oplist.MethodOp

	// completionMu is the "completion-token mutex" serializing Test/Cancel
	// against the recv loop's own delivery, matching bmi_mx's mutex around
	// mx_wait_any vs. bmi_mx_cancel.
	completionMu sync.Mutex

	contextsMu sync.Mutex
	results    map[bmi.ContextID]chan bmi.Completion
	unexpected chan bmi.Completion

	closeOnce sync.Once
	done      chan struct{}

	initialized bool
}

var _ tm.Method = (*Method)(nil)

func New(node uint32, log *logrus.Entry) *Method {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Method{
		node:         node,
		peers:        make(map[uint32]*peer),
		ops:          oplist.New(log),
		errTable:     bmi.TMErrorTable{},
		log:          log.WithField("component", "tm-mx"),
		pendingRecvs: make(map[uint32][]*oplist.MethodOp),
		results:      make(map[bmi.ContextID]chan bmi.Completion),
		unexpected:   make(chan bmi.Completion, 256),
		done:         make(chan struct{}),
	}
}

func (m *Method) Name() string { return "mx" }

func (m *Method) Initialize(listenAddr string, flags tm.InitFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	dev, err := NewLoopbackDevice(m.node)
	if err != nil {
		return err
	}
	m.device = dev
	m.initialized = true
	go m.recvLoop()
	return nil
}

func (m *Method) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	m.closeOnce.Do(func() { close(m.done) })
	if m.device != nil {
		m.device.Close()
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

func (m *Method) deliver(ctx bmi.ContextID, comp bmi.Completion) {
	m.completionMu.Lock()
	defer m.completionMu.Unlock()
	if ch := m.resultChan(ctx); ch != nil {
		ch <- comp
	}
}

func (m *Method) peerFor(node uint32) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[node]
	if !ok {
		p = &peer{node: node, state: StateInit, queuedTxs: queue.New(), queuedRxs: queue.New()}
		m.peers[node] = p
	}
	return p
}

func sumLen(buffers [][]byte) int64 {
	var n int64
	for _, b := range buffers {
		n += int64(len(b))
	}
	return n
}

func flatten(buffers [][]byte) []byte {
	out := make([]byte, 0, sumLen(buffers))
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

// ensureConnected kicks off the iconnect handshake the first time this peer
// is addressed, mirroring bmi_mx's lazy per-peer connection setup.
func (m *Method) ensureConnected(p *peer) {
	p.mu.Lock()
	if p.state != StateInit {
		p.mu.Unlock()
		return
	}
	p.state = StateWait
	p.mu.Unlock()
	if err := m.device.Send(p.node, Frame{Match: MatchBits(MsgIConnReq, 0, 0, 0)}); err != nil {
		m.disconnectPeer(p, bmi.NewError(bmi.CodeNetReset, err))
	}
}

// disconnectPeer flips p to StateDisconnect and cancels everything still
// queued for it with NetReset (spec.md §4.1.6: "A disconnect cancels all
// queued and (where possible) pending ops with NetReset"). Ops already
// handed to the device (in flight, post-handshake) can't be recalled here —
// their completions, if any arrive, still land through the normal recv path.
func (m *Method) disconnectPeer(p *peer, cause error) {
	p.mu.Lock()
	if p.state == StateDisconnect {
		p.mu.Unlock()
		return
	}
	p.state = StateDisconnect
	var txs, rxs []*queuedOp
	for p.queuedTxs.Length() > 0 {
		txs = append(txs, p.queuedTxs.Remove().(*queuedOp))
	}
	for p.queuedRxs.Length() > 0 {
		rxs = append(rxs, p.queuedRxs.Remove().(*queuedOp))
	}
	p.mu.Unlock()

	for _, q := range txs {
		m.ops.Remove(q.op)
		m.deliver(q.ctx, bmi.Completion{OpID: bmi.OpID(q.op.OpID), Error: cause, UserPtr: q.op.UserPtr})
	}
	for _, q := range rxs {
		m.ops.Remove(q.op)
		m.deliver(q.ctx, bmi.Completion{OpID: bmi.OpID(q.op.OpID), Error: cause, UserPtr: q.op.UserPtr})
	}
	m.log.WithField("node", p.node).WithError(cause).Debug("peer disconnected")
}

func (m *Method) PostSendList(addr any, buffers [][]byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	a, ok := addr.(*Addr)
	if !ok {
		return 0, false, bmi.NewError(bmi.CodeInval, fmt.Errorf("not an mx address"))
	}
	if sumLen(buffers) > MaxMessageSize {
		return 0, false, bmi.NewError(bmi.CodeMessageSize, nil)
	}
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Send, Tag: tag, Mode: mode, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: sumLen(buffers)}
	m.ops.Push(op)

	p := m.peerFor(a.Node)
	m.ensureConnected(p)

	p.mu.Lock()
	ready := p.state == StateReady
	disc := p.state == StateDisconnect
	if !ready && !disc {
		p.queuedTxs.Add(&queuedOp{op: op, isSend: true, ctx: ctx})
	}
	p.mu.Unlock()
	switch {
	case ready:
		m.sendExpected(p.node, op, ctx)
	case disc:
		m.ops.Remove(op)
		return opID, false, bmi.NewError(bmi.CodeNetReset, nil)
	}
	return opID, false, nil
}

func (m *Method) sendExpected(to uint32, op *oplist.MethodOp, ctx bmi.ContextID) {
	payload := flatten(op.Buffers)
	match := MatchBits(MsgExpected, 0, 0, op.Tag)
	err := m.device.Send(to, Frame{Match: match, Payload: payload})
	var compErr error
	if err != nil {
		compErr = bmi.Normalize(m.errTable, 0, err)
		m.disconnectPeer(m.peerFor(to), bmi.NewError(bmi.CodeNetReset, err))
	}
	op.ActualSize = int64(len(payload))
	m.ops.Remove(op)
	m.deliver(ctx, bmi.Completion{OpID: bmi.OpID(op.OpID), Error: compErr, ActualSize: op.ActualSize, UserPtr: op.UserPtr})
}

func (m *Method) PostRecvList(addr any, buffers [][]byte, tag uint32, expected int64, mode uint32, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	if sumLen(buffers) > MaxMessageSize {
		return 0, false, bmi.NewError(bmi.CodeMessageSize, nil)
	}
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Recv, Tag: tag, Mode: mode, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: expected}
	m.ops.Push(op)

	if a, ok := addr.(*Addr); ok {
		p := m.peerFor(a.Node)
		m.ensureConnected(p)
		p.mu.Lock()
		ready := p.state == StateReady
		disc := p.state == StateDisconnect
		if !ready && !disc {
			p.queuedRxs.Add(&queuedOp{op: op, isSend: false, ctx: ctx})
		}
		p.mu.Unlock()
		switch {
		case ready:
			m.registerRecv(op)
		case disc:
			m.ops.Remove(op)
			return opID, false, bmi.NewError(bmi.CodeNetReset, nil)
		}
		return opID, false, nil
	}

	m.registerRecv(op)
	return opID, false, nil
}

func (m *Method) registerRecv(op *oplist.MethodOp) {
	m.pendingRecvsMu.Lock()
	m.pendingRecvs[op.Tag] = append(m.pendingRecvs[op.Tag], op)
	m.pendingRecvsMu.Unlock()
}

func (m *Method) PostSendUnexpectedList(addr any, buffers [][]byte, tag uint32, class uint8, ctx bmi.ContextID, userPtr any) (uint64, bool, error) {
	a, ok := addr.(*Addr)
	if !ok {
		return 0, false, bmi.NewError(bmi.CodeInval, fmt.Errorf("not an mx address"))
	}
	if sumLen(buffers) > UnexpectedMax {
		return 0, false, bmi.NewError(bmi.CodeMessageSize, nil)
	}
	payload := flatten(buffers)
	opID := m.nextOpID.Add(1)
	op := &oplist.MethodOp{OpID: opID, Dir: oplist.Send, Tag: tag, Class: class, ContextID: uint32(ctx), UserPtr: userPtr, Buffers: buffers, Expected: int64(len(payload))}
	m.ops.Push(op)

	match := MatchBits(MsgUnexpected, class, 0, tag)
	err := m.device.Send(a.Node, Frame{Match: match, Payload: payload})
	var compErr error
	if err != nil {
		compErr = bmi.Normalize(m.errTable, 0, err)
		m.disconnectPeer(m.peerFor(a.Node), bmi.NewError(bmi.CodeNetReset, err))
	}
	op.ActualSize = int64(len(payload))
	m.ops.Remove(op)
	m.deliver(ctx, bmi.Completion{OpID: bmi.OpID(opID), Error: compErr, ActualSize: op.ActualSize, UserPtr: userPtr})
	return opID, false, nil
}

// recvLoop drains the device's inbound channel, advancing the per-peer
// handshake state machine and dispatching expected/unexpected payloads.
func (m *Method) recvLoop() {
	ch := m.device.Recv()
	for {
		select {
		case <-m.done:
			return
		case f := <-ch:
			m.handleFrame(f)
		}
	}
}

func (m *Method) handleFrame(f Frame) {
	msgType, class, _, tag := SplitMatchBits(f.Match)
	switch msgType {
	case MsgIConnReq:
		m.handleIConnReq(f)
	case MsgIConnAck:
		m.handleIConnAck(f)
	case MsgConnReq:
		m.handleConnReq(f)
	case MsgConnAck:
		m.handleConnAck(f)
	case MsgExpected:
		m.completeMatchedRecv(tag, f.Payload)
	case MsgUnexpected:
		m.unexpected <- bmi.Completion{
			Unexpected: true, Buffer: f.Payload, Tag: tag, Class: class,
			Sender: bmi.MPAddr{String: mxAddrString(f.FromNode)},
		}
	}
}

func mxAddrString(node uint32) string {
	return "mx://" + strconv.FormatUint(uint64(node), 10)
}

// handleIConnReq is the passive side of the handshake: reply with an
// ICON-ACK and wait for the CONN-REQ that follows.
func (m *Method) handleIConnReq(f Frame) {
	p := m.peerFor(f.FromNode)
	p.mu.Lock()
	if p.state == StateInit {
		p.state = StateWait
	}
	p.mu.Unlock()
	m.device.Send(f.FromNode, Frame{Match: MatchBits(MsgIConnAck, 0, 0, 0)})
}

// handleIConnAck is the active side: having heard the ack, send the CONN-REQ.
func (m *Method) handleIConnAck(f Frame) {
	m.device.Send(f.FromNode, Frame{Match: MatchBits(MsgConnReq, 0, 0, 0)})
}

// handleConnReq is the passive side: the handshake is complete on this end;
// ack first, so the active side is READY (and has registered its queued
// recvs) before any drained send reaches it, then flip to READY and drain
// anything queued for this peer.
func (m *Method) handleConnReq(f Frame) {
	p := m.peerFor(f.FromNode)
	m.device.Send(f.FromNode, Frame{Match: MatchBits(MsgConnAck, 0, 0, 0)})
	m.transitionReady(p)
}

// handleConnAck is the active side: the handshake is complete.
func (m *Method) handleConnAck(f Frame) {
	p := m.peerFor(f.FromNode)
	m.transitionReady(p)
}

func (m *Method) transitionReady(p *peer) {
	p.mu.Lock()
	if p.state == StateReady {
		p.mu.Unlock()
		return
	}
	p.state = StateReady
	var txs, rxs []*queuedOp
	for p.queuedTxs.Length() > 0 {
		txs = append(txs, p.queuedTxs.Remove().(*queuedOp))
	}
	for p.queuedRxs.Length() > 0 {
		rxs = append(rxs, p.queuedRxs.Remove().(*queuedOp))
	}
	p.mu.Unlock()

	for _, q := range txs {
		m.sendExpected(p.node, q.op, q.ctx)
	}
	for _, q := range rxs {
		m.registerRecv(q.op)
	}
}

func (m *Method) completeMatchedRecv(tag uint32, payload []byte) {
	m.pendingRecvsMu.Lock()
	var op *oplist.MethodOp
	if list := m.pendingRecvs[tag]; len(list) > 0 {
		op = list[0]
		m.pendingRecvs[tag] = list[1:]
	}
	m.pendingRecvsMu.Unlock()
	if op == nil {
		return
	}
	n := copy(firstBuffer(op.Buffers), payload)
	op.ActualSize = int64(n)
	m.ops.Remove(op)
	m.deliver(bmi.ContextID(op.ContextID), bmi.Completion{OpID: bmi.OpID(op.OpID), ActualSize: int64(n), UserPtr: op.UserPtr})
}

func firstBuffer(buffers [][]byte) []byte {
	if len(buffers) == 0 {
		return nil
	}
	return buffers[0]
}

func (m *Method) Test(opID uint64, ctx bmi.ContextID) (bool, tm.Completion, error) {
	m.completionMu.Lock()
	ch := m.results[ctx]
	m.completionMu.Unlock()
	if ch == nil {
		return false, tm.Completion{}, bmi.NewError(bmi.CodeInval, nil)
	}
	select {
	case comp := <-ch:
		if uint64(comp.OpID) != opID {
			ch <- comp
			return false, tm.Completion{}, nil
		}
		return true, comp, nil
	default:
		return false, tm.Completion{}, nil
	}
}

func (m *Method) TestContext(incount int, ctx bmi.ContextID, timeoutMs int) ([]tm.Completion, error) {
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
	var out []tm.Completion
	for len(out) < incount {
		select {
		case comp := <-m.unexpected:
			if hasClass && comp.Class != class {
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

// Cancel takes the completion-token mutex before touching the op list, so a
// concurrent recv-loop delivery for the same op can't race a cancel.
func (m *Method) Cancel(opID uint64, ctx bmi.ContextID) error {
	m.completionMu.Lock()
	defer m.completionMu.Unlock()
	op, ok := m.ops.Find(oplist.Query{OpID: opID, HasOpID: true})
	if !ok {
		return nil
	}
	m.ops.Remove(op)
	if ch := m.results[ctx]; ch != nil {
		ch <- bmi.Completion{OpID: bmi.OpID(opID), Error: bmi.NewError(bmi.CodeCanceled, nil), UserPtr: op.UserPtr}
	}
	return nil
}

func (m *Method) AddrLookup(s string) (any, error) {
	p, ok := bmi.ParseAddr(s)
	if !ok || p.Scheme != "mx" {
		return nil, bmi.NewError(bmi.CodeInval, fmt.Errorf("malformed mx address %q", s))
	}
	node, err := strconv.ParseUint(p.Rest, 10, 32)
	if err != nil {
		return nil, bmi.NewError(bmi.CodeInval, err)
	}
	return &Addr{Node: uint32(node), str: s}, nil
}

func (m *Method) AddrRevLookup(tmAddr any) (string, bool) {
	a, ok := tmAddr.(*Addr)
	if !ok {
		return "", false
	}
	return a.str, true
}

func (m *Method) SetInfo(key bmi.InfoKey, val any) error { return nil }

func (m *Method) GetInfo(key bmi.InfoKey) (any, error) {
	switch key {
	case bmi.InfoCheckMaxsize:
		return MaxMessageSize, nil
	case bmi.InfoGetUnexpSize:
		return UnexpectedMax, nil
	case bmi.InfoCheckInit:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.initialized, nil
	default:
		return nil, bmi.NewError(bmi.CodeOpNotSupp, nil)
	}
}

func (m *Method) QueryAddrRange(addr any, cidr string, netmask int) (int, error) {
	return -1, bmi.NewError(bmi.CodeOpNotSupp, nil)
}

func (m *Method) NoPolling() bool { return false }
