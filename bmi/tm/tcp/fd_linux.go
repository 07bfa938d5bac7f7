//go:build linux

package tcp

import (
	"net"

	"github.com/higebu/netfd"
)

// fdOfTCPConn extracts the raw file descriptor backing a *net.TCPConn so it
// can be registered with the poll/epoll backend.
func fdOfTCPConn(tc *net.TCPConn) int {
	return netfd.GetFdFromConn(tc)
}
