//go:build linux

package tcp

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollGrowChunk is how many slots the poll backend's flat array grows by
// when it runs out of room (spec.md §4.1.6: "+32 chunks").
const pollGrowChunk = 32

// PollBackend implements the Collection's Backend over poll(2): a flat
// array resized by pollGrowChunk slots at a time. A self-pipe wakes a
// blocked poller when another thread queues work; after a spurious wake
// with no data events, the remaining timeout budget is recomputed and the
// loop re-enters poll() if budget remains.
type PollBackend struct {
	mu    sync.Mutex
	fds   []unix.PollFd
	conns []*Conn // parallel to fds

	selfPipeR, selfPipeW int
}

// NewPollBackend creates a poll backend with its self-pipe pre-registered.
func NewPollBackend() (*PollBackend, error) {
	r, w, err := selfPipe()
	if err != nil {
		return nil, err
	}
	b := &PollBackend{selfPipeR: r, selfPipeW: w}
	b.fds = append(b.fds, unix.PollFd{Fd: int32(r), Events: unix.POLLIN})
	b.conns = append(b.conns, nil) // index 0 reserved for the self-pipe
	return b, nil
}

func toPollEvents(m EventMask) int16 {
	var ev int16 = unix.POLLIN | unix.POLLERR | unix.POLLHUP
	if m&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// Add appends c to the flat array, growing it by pollGrowChunk if full.
func (b *PollBackend) Add(c *Conn, events EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.fds) == cap(b.fds) {
		grown := make([]unix.PollFd, len(b.fds), len(b.fds)+pollGrowChunk)
		copy(grown, b.fds)
		b.fds = grown
	}
	b.fds = append(b.fds, unix.PollFd{Fd: int32(c.FD()), Events: toPollEvents(events)})
	b.conns = append(b.conns, c)
	return nil
}

// Modify updates c's event mask in place.
func (b *PollBackend) Modify(c *Conn, events EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.fds {
		if b.conns[i] == c {
			b.fds[i].Events = toPollEvents(events)
			return nil
		}
	}
	return nil
}

// Remove drops c from the array (swap-with-last to avoid a shift).
func (b *PollBackend) Remove(c *Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.fds {
		if b.conns[i] == c {
			last := len(b.fds) - 1
			b.fds[i] = b.fds[last]
			b.conns[i] = b.conns[last]
			b.fds = b.fds[:last]
			b.conns = b.conns[:last]
			return nil
		}
	}
	return nil
}

// Wait polls once, recomputing and re-entering if a spurious self-pipe wake
// leaves timeout budget remaining and no data events fired.
func (b *PollBackend) Wait(timeoutMs int, out []ReadyEvent) (int, error) {
	start := time.Now()
	deadline := timeoutMs
	for {
		b.mu.Lock()
		fds := make([]unix.PollFd, len(b.fds))
		copy(fds, b.fds)
		conns := b.conns
		b.mu.Unlock()

		n, err := unix.Poll(fds, deadline)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}

		count := 0
		sawData := false
		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if i == 0 { // self-pipe
				drainSelfPipe(b.selfPipeR)
				continue
			}
			var mask EventMask
			if pfd.Revents&unix.POLLIN != 0 {
				mask |= EventRead
				sawData = true
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				mask |= EventWrite
				sawData = true
			}
			if pfd.Revents&unix.POLLERR != 0 {
				mask |= EventError
				sawData = true
			}
			if pfd.Revents&unix.POLLHUP != 0 {
				mask |= EventHangup
				sawData = true
			}
			if count < len(out) {
				out[count] = ReadyEvent{Conn: conns[i], Events: mask}
				count++
			}
		}
		if count > 0 || sawData || deadline == 0 {
			return count, nil
		}
		// Woken only by the self-pipe: re-enter poll() (with a fresh copy of
		// the array) for whatever budget is left.
		if timeoutMs < 0 {
			continue
		}
		deadline = timeoutMs - int(time.Since(start)/time.Millisecond)
		if deadline <= 0 {
			return 0, nil
		}
	}
}

// Close releases the self-pipe.
func (b *PollBackend) Close() error {
	unix.Close(b.selfPipeR)
	unix.Close(b.selfPipeW)
	return nil
}

// SelfPipeFD exposes the wakeup fd for tests.
func (b *PollBackend) SelfPipeFD() int { return b.selfPipeR }

// Wake signals a blocked Wait call from another goroutine/thread.
func (b *PollBackend) Wake() {
	var buf [1]byte
	unix.Write(b.selfPipeW, buf[:])
}
