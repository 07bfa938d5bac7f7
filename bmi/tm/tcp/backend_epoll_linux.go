//go:build linux

package tcp

import (
	"sync"

	"golang.org/x/sys/unix"
)

// EpollBackend multiplexes sockets via Linux epoll. Write-readiness
// (EPOLLOUT) is enabled only while at least one send is queued on that fd
// (ref-counted via Conn.writeRefCount) and disabled once the count drops to
// zero; error and hangup events are always selected (spec.md §4.1.6).
type EpollBackend struct {
	epfd int
	mu   sync.Mutex
	byFD map[int]*Conn

	selfPipeR, selfPipeW int
}

// NewEpollBackend creates an epoll instance with a self-pipe registered so
// cross-thread Queue calls can wake a blocked Wait.
func NewEpollBackend() (*EpollBackend, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	r, w, err := selfPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &EpollBackend{epfd: epfd, byFD: make(map[int]*Conn), selfPipeR: r, selfPipeW: w}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r, &unix.EpollEvent{
		Events: unix.EPOLLIN, Fd: int32(r),
	}); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func toEpollEvents(m EventMask) uint32 {
	var ev uint32 = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLIN
	if m&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers c with the given interest set.
func (b *EpollBackend) Add(c *Conn, events EventMask) error {
	b.mu.Lock()
	b.byFD[c.FD()] = c
	b.mu.Unlock()
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, c.FD(), &unix.EpollEvent{
		Events: toEpollEvents(events), Fd: int32(c.FD()),
	})
}

// Modify changes c's interest set, e.g. to toggle EPOLLOUT as writeRefCount
// transitions across zero.
func (b *EpollBackend) Modify(c *Conn, events EventMask) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, c.FD(), &unix.EpollEvent{
		Events: toEpollEvents(events), Fd: int32(c.FD()),
	})
}

// Remove drops c from the epoll set.
func (b *EpollBackend) Remove(c *Conn) error {
	b.mu.Lock()
	delete(b.byFD, c.FD())
	b.mu.Unlock()
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, c.FD(), nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait blocks up to timeoutMs and fills out with ready events. The self-pipe
// fd, if signalled, is drained but never surfaced in out (spec.md §8
// invariant 7).
func (b *EpollBackend) Wait(timeoutMs int, out []ReadyEvent) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(b.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == b.selfPipeR {
			drainSelfPipe(b.selfPipeR)
			continue
		}
		c, ok := b.byFD[fd]
		if !ok {
			continue
		}
		var mask EventMask
		if raw[i].Events&unix.EPOLLIN != 0 {
			mask |= EventRead
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			mask |= EventWrite
		}
		if raw[i].Events&unix.EPOLLERR != 0 {
			mask |= EventError
		}
		if raw[i].Events&unix.EPOLLHUP != 0 {
			mask |= EventHangup
		}
		out[count] = ReadyEvent{Conn: c, Events: mask}
		count++
	}
	return count, nil
}

// Close releases the epoll fd and self-pipe.
func (b *EpollBackend) Close() error {
	unix.Close(b.selfPipeR)
	unix.Close(b.selfPipeW)
	return unix.Close(b.epfd)
}

// SelfPipeFD exposes the wakeup fd for tests.
func (b *EpollBackend) SelfPipeFD() int { return b.selfPipeR }

// Wake signals a blocked Wait call from another goroutine/thread.
func (b *EpollBackend) Wake() {
	var buf [1]byte
	unix.Write(b.selfPipeW, buf[:])
}

func selfPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func drainSelfPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
