// Package tcp implements the TCP transport method: one socket per peer,
// multiplexed by a socket collection that can run over either a poll or an
// epoll backend, plus per-socket liveness tracking (spec.md §4.1.6).
package tcp

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventMask identifies which readiness conditions a socket is interested in.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// ReadyEvent is one readiness notification surfaced by a Backend.Wait call.
type ReadyEvent struct {
	Conn   *Conn
	Events EventMask
}

// Backend abstracts the OS polling primitive (poll(2) or epoll(7)) behind
// the socket collection; exactly two concrete backends exist, selected at
// construction time (PollBackend / EpollBackend below).
type Backend interface {
	Add(c *Conn, events EventMask) error
	Modify(c *Conn, events EventMask) error
	Remove(c *Conn) error
	Wait(timeoutMs int, out []ReadyEvent) (int, error)
	Close() error
	// SelfPipeFD returns the internal wakeup fd so tests can assert it is
	// never surfaced to callers as a readable application socket
	// (spec.md §8 invariant 7).
	SelfPipeFD() int
}

// Collection multiplexes many Conns across one Backend, staging
// additions/removals so the backend's internal array is never mutated
// mid-poll (spec.md §4.1.6: "the core poll loop never mutates the array
// mid-call").
type Collection struct {
	mu      sync.Mutex
	backend Backend
	addQ    []*connQueueItem
	remQ    []*Conn
	log     *logrus.Entry
}

type connQueueItem struct {
	conn   *Conn
	events EventMask
}

// NewCollection wraps backend in a Collection.
func NewCollection(backend Backend, log *logrus.Entry) *Collection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collection{backend: backend, log: log.WithField("component", "tcp-socketcollection")}
}

// Queue stages c for addition (events != 0) or removal (events == 0) at the
// top of the next Poll call, per the two-queue staging discipline.
func (sc *Collection) Queue(c *Conn, events EventMask) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if events == 0 {
		sc.remQ = append(sc.remQ, c)
		return
	}
	sc.addQ = append(sc.addQ, &connQueueItem{conn: c, events: events})
}

// Poll applies queued additions/removals, then blocks in the backend for up
// to timeoutMs, appending ready events into out (which Poll may grow).
func (sc *Collection) Poll(timeoutMs int, out []ReadyEvent) ([]ReadyEvent, error) {
	sc.mu.Lock()
	addQ, remQ := sc.addQ, sc.remQ
	sc.addQ, sc.remQ = nil, nil
	sc.mu.Unlock()

	for _, item := range addQ {
		if err := sc.backend.Add(item.conn, item.events); err != nil {
			sc.log.WithError(err).WithField("fd", item.conn.FD()).Warn("socket collection add failed")
		}
	}
	for _, c := range remQ {
		if err := sc.backend.Remove(c); err != nil {
			sc.log.WithError(err).WithField("fd", c.FD()).Debug("socket collection remove failed (already gone?)")
		}
	}

	if cap(out) == 0 {
		out = make([]ReadyEvent, 32)
	}
	n, err := sc.backend.Wait(timeoutMs, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Close releases the backend.
func (sc *Collection) Close() error {
	return sc.backend.Close()
}
