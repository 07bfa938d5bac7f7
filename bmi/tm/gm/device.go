// Package gm implements the GM transport method: Myrinet's token-gated
// send/recv model, a rendezvous protocol for anything past the immediate-mode
// cutoff, and a pinned buffer pool standing in for GM's DMA-registered
// memory. No Myrinet hardware or Go binding exists in this environment, so
// the wire is a Device interface with an in-process loopback implementation.
package gm

import (
	"sync"

	"github.com/parafs/corenet/bmi"
)

// Priority mirrors GM's two independently token-gated send/recv channels.
type Priority int

const (
	PriorityHi Priority = iota
	PriorityLo
)

// FrameKind identifies a control message on the simulated fabric.
type FrameKind int

const (
	FrameImmediate FrameKind = iota // whole message inlined, <=ImmediateCutoff bytes
	FrameUnexpected
	FrameRendezvousReq  // sender -> receiver: "I have N bytes for tag T"
	FrameRendezvousAck  // receiver -> sender: "send into buffer handle H"
	FrameDirectedSend    // sender -> receiver: payload, targeting handle H
	FramePutAnnounce     // sender -> receiver: "directed send complete"
)

// Frame is one unit handed across a Device.
type Frame struct {
	Kind     FrameKind
	Tag      uint32 // application tag; used to match a posted recv
	XferID   uint64 // correlates REQ->ACK->DirectedSend->PutAnnounce
	Class    uint8
	Handle   uint64 // rendezvous buffer handle, when applicable
	Size     int64  // total payload size advertised in a REQ
	Priority Priority
	Payload  []byte
	FromNode uint16
}

// Device abstracts the GM NIC: node-addressed send with per-priority token
// gating and an inbound frame stream. Exactly one concrete implementation
// exists here (LoopbackDevice); a real binding would satisfy the same
// interface without touching the rest of this package.
type Device interface {
	NodeID() uint16
	Send(to uint16, f Frame) error
	Recv() <-chan Frame
	Close() error
}

// loopbackFabric is the in-process registry every LoopbackDevice registers
// with, standing in for the Myrinet switch fabric.
type loopbackFabric struct {
	mu   sync.Mutex
	byID map[uint16]chan Frame
}

var fabric = &loopbackFabric{byID: make(map[uint16]chan Frame)}

// LoopbackDevice delivers frames directly into the destination node's inbound
// channel; there is no real network in this environment.
type LoopbackDevice struct {
	node   uint16
	inbox  chan Frame
	closed bool
	mu     sync.Mutex
}

// NewLoopbackDevice registers node on the shared in-process fabric.
func NewLoopbackDevice(node uint16) (*LoopbackDevice, error) {
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	if _, exists := fabric.byID[node]; exists {
		return nil, bmi.NewError(bmi.CodeAddrInUse, nil)
	}
	d := &LoopbackDevice{node: node, inbox: make(chan Frame, 1024)}
	fabric.byID[node] = d.inbox
	return d, nil
}

func (d *LoopbackDevice) NodeID() uint16 { return d.node }

func (d *LoopbackDevice) Send(to uint16, f Frame) error {
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
