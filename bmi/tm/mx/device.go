// Package mx implements the MX transport method: a match-bits addressed
// fabric with an explicit per-peer connection handshake
// (ICONN-REQ -> ICONN-ACK -> CONN-REQ -> CONN-ACK) gating when queued
// sends/recvs may flow. No Myriexpress hardware or Go binding exists in
// this environment, so the fabric is a Device interface with an in-process
// loopback implementation, mirroring bmi/tm/gm's Device.
package mx

import (
	"sync"

	"github.com/parafs/corenet/bmi"
)

// MsgType occupies the top 4 bits of a match-bits value (bmi_mx's
// BMX_MSG_SHIFT layout: [4 msg_type | 8 class | 20 peer_id | 32 tag]).
type MsgType uint8

const (
	MsgExpected MsgType = iota
	MsgUnexpected
	MsgIConnReq
	MsgIConnAck
	MsgConnReq
	MsgConnAck
)

const (
	shiftMsgType = 60
	shiftClass   = 52
	shiftPeerID  = 32
	maskTag      = 0xFFFFFFFF
	maskClass    = 0xFF
	maskPeerID   = 0xFFFFF
)

// MatchBits packs (msgType, class, peerID, tag) into the 64-bit match value
// MX match-bits addressing uses in place of a separate header.
func MatchBits(t MsgType, class uint8, peerID uint32, tag uint32) uint64 {
	return uint64(t)<<shiftMsgType | uint64(class)<<shiftClass | uint64(peerID&maskPeerID)<<shiftPeerID | uint64(tag)
}

// SplitMatchBits reverses MatchBits.
func SplitMatchBits(m uint64) (t MsgType, class uint8, peerID uint32, tag uint32) {
	t = MsgType((m >> shiftMsgType) & 0xF)
	class = uint8((m >> shiftClass) & maskClass)
	peerID = uint32((m >> shiftPeerID) & maskPeerID)
	tag = uint32(m & maskTag)
	return
}

// Frame is one unit handed across a Device.
type Frame struct {
	Match    uint64
	Payload  []byte
	FromNode uint32
}

// Device abstracts the MX NIC: node-addressed send plus an inbound frame
// stream.
type Device interface {
	NodeID() uint32
	Send(to uint32, f Frame) error
	Recv() <-chan Frame
	Close() error
}

type loopbackFabric struct {
	mu   sync.Mutex
	byID map[uint32]chan Frame
}

var fabric = &loopbackFabric{byID: make(map[uint32]chan Frame)}

// LoopbackDevice is the in-process stand-in for a Myriexpress NIC.
type LoopbackDevice struct {
	node   uint32
	inbox  chan Frame
	mu     sync.Mutex
	closed bool
}

func NewLoopbackDevice(node uint32) (*LoopbackDevice, error) {
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if _, exists := fabric.byID[node]; exists {
		return nil, bmi.NewError(bmi.CodeAddrInUse, nil)
	}
	d := &LoopbackDevice{node: node, inbox: make(chan Frame, 1024)}
	fabric.byID[node] = d.inbox
	return d, nil
}

func (d *LoopbackDevice) NodeID() uint32 { return d.node }

func (d *LoopbackDevice) Send(to uint32, f Frame) error {
	fabric.mu.Lock()
	inbox, ok := fabric.byID[to]
	fabric.mu.Unlock()
	if !ok {
		return bmi.NewError(bmi.CodeHostUnreach, nil)
	}
	f.FromNode = d.node
	select {
	case inbox <- f:
		return nil
	default:
		return bmi.NewError(bmi.CodeNoBufs, nil)
	}
}

func (d *LoopbackDevice) Recv() <-chan Frame { return d.inbox }

func (d *LoopbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	fabric.mu.Lock()
	delete(fabric.byID, d.node)
	fabric.mu.Unlock()
	return nil
}
