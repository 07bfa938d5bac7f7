package gm

import "sync"

// DefaultSendTokens/DefaultRecvTokens mirror bmi-gm.c splitting the NIC's
// token pool in half between priorities at initialization.
const (
	DefaultSendTokens = 8
	DefaultRecvTokens = 8
)

// tokenBank tracks available send/recv tokens per priority, exactly the
// halves bmi-gm.c hands to gm_free_send_tokens/ctrl_recv_pool_init.
type tokenBank struct {
	mu        sync.Mutex
	sendHi    int
	sendLo    int
	recvHi    int
	recvLo    int
}

func newTokenBank(sendTotal, recvTotal int) *tokenBank {
	return &tokenBank{
		sendHi: sendTotal / 2,
		sendLo: sendTotal - sendTotal/2,
		recvHi: recvTotal / 2,
		recvLo: recvTotal - recvTotal/2,
	}
}

// allocSend takes one send token of the given priority, if available.
func (b *tokenBank) allocSend(p Priority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == PriorityHi {
		if b.sendHi == 0 {
			return false
		}
		b.sendHi--
		return true
	}
	if b.sendLo == 0 {
		return false
	}
	b.sendLo--
	return true
}

// freeSend returns a send token.
func (b *tokenBank) freeSend(p Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == PriorityHi {
		b.sendHi++
	} else {
		b.sendLo++
	}
}

func (b *tokenBank) allocRecv(p Priority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == PriorityHi {
		if b.recvHi == 0 {
			return false
		}
		b.recvHi--
		return true
	}
	if b.recvLo == 0 {
		return false
	}
	b.recvLo--
	return true
}

func (b *tokenBank) freeRecv(p Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == PriorityHi {
		b.recvHi++
	} else {
		b.recvLo++
	}
}
