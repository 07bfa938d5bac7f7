//go:build linux

package tcp

import (
	"net"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

var (
	hostKernelVersion   *kernel.VersionInfo
	trustsTCPInfoState  bool
)

func init() {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		// Without a reliable kernel version we can't trust TCP_INFO layout
		// assumptions; fall back to the zero-read counter alone.
		trustsTCPInfoState = false
		return
	}
	hostKernelVersion = v
	// tcpi_state has been present and stable since 2.6.2; anything in that
	// supported range is safe to read.
	trustsTCPInfoState = kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 2}) >= 0
}

// PeerLooksDead corroborates the zero-read counter with a TCP_INFO sample:
// if the kernel reports the connection is no longer ESTABLISHED, the peer
// is treated as dead even before the zero-read counter alone would trip.
func PeerLooksDead(nc net.Conn) bool {
	if !trustsTCPInfoState {
		return false
	}
	tcpConn, ok := nc.(*net.TCPConn)
	if !ok {
		return false
	}
	fd := netfd.GetFdFromConn(tcpConn)
	info, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return false
	}
	const tcpEstablished = 1
	return info.State != tcpEstablished
}
