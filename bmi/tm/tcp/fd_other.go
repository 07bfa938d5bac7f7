//go:build !linux

package tcp

import "net"

// fdOfTCPConn is unavailable outside Linux; the poll/epoll backends are
// themselves Linux-only (backend_other.go), so this path is never reached
// in practice.
func fdOfTCPConn(*net.TCPConn) int { return -1 }
