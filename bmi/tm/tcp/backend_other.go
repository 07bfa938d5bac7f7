//go:build !linux

package tcp

import "errors"

// ErrUnsupportedPlatform is returned by backend constructors on platforms
// without epoll/poll support wired up; spec.md's TCP transport targets
// Linux (TCP/epoll is explicitly named in §4.1.6).
var ErrUnsupportedPlatform = errors.New("tcp transport backend: unsupported platform")

// EpollBackend is unavailable outside Linux.
type EpollBackend struct{}

func NewEpollBackend() (*EpollBackend, error) { return nil, ErrUnsupportedPlatform }

func (b *EpollBackend) Add(*Conn, EventMask) error       { return ErrUnsupportedPlatform }
func (b *EpollBackend) Modify(*Conn, EventMask) error    { return ErrUnsupportedPlatform }
func (b *EpollBackend) Remove(*Conn) error               { return ErrUnsupportedPlatform }
func (b *EpollBackend) Wait(int, []ReadyEvent) (int, error) { return 0, ErrUnsupportedPlatform }
func (b *EpollBackend) Close() error                      { return nil }
func (b *EpollBackend) SelfPipeFD() int                   { return -1 }

// PollBackend is unavailable outside Linux.
type PollBackend struct{}

func NewPollBackend() (*PollBackend, error) { return nil, ErrUnsupportedPlatform }

func (b *PollBackend) Add(*Conn, EventMask) error       { return ErrUnsupportedPlatform }
func (b *PollBackend) Modify(*Conn, EventMask) error    { return ErrUnsupportedPlatform }
func (b *PollBackend) Remove(*Conn) error               { return ErrUnsupportedPlatform }
func (b *PollBackend) Wait(int, []ReadyEvent) (int, error) { return 0, ErrUnsupportedPlatform }
func (b *PollBackend) Close() error                      { return nil }
func (b *PollBackend) SelfPipeFD() int                   { return -1 }
