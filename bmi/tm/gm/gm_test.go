package gm

import (
	"testing"
	"time"

	"github.com/parafs/corenet/bmi"
)

func newNode(t *testing.T, id uint16) *Method {
	t.Helper()
	m := New(id, nil)
	if err := m.Initialize("", 0); err != nil {
		t.Fatalf("initialize node %d: %v", id, err)
	}
	t.Cleanup(func() { m.Finalize() })
	return m
}

func TestImmediateModeRoundTrip(t *testing.T) {
	sender := newNode(t, 1)
	receiver := newNode(t, 2)
	ctx := bmi.ContextID(1)
	if err := sender.OpenContext(ctx); err != nil {
		t.Fatalf("open context: %v", err)
	}
	if err := receiver.OpenContext(ctx); err != nil {
		t.Fatalf("open context: %v", err)
	}

	dst, err := sender.AddrLookup("gm://2")
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}
	buf := make([]byte, 4)
	if _, _, err := receiver.PostRecvList(nil, [][]byte{buf}, 9, 4, 0, ctx, "recv"); err != nil {
		t.Fatalf("post recv: %v", err)
	}
	if _, _, err := sender.PostSendList(dst, [][]byte{[]byte("ping")}, 9, 0, ctx, "send"); err != nil {
		t.Fatalf("post send: %v", err)
	}

	if !waitFor(sender, ctx, "send", 2*time.Second) {
		t.Fatal("immediate send never completed")
	}
	if !waitFor(receiver, ctx, "recv", 2*time.Second) {
		t.Fatal("immediate recv never completed")
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected payload %q", buf)
	}
}

func TestRendezvousRoundTrip(t *testing.T) {
	sender := newNode(t, 3)
	receiver := newNode(t, 4)
	ctx := bmi.ContextID(1)
	sender.OpenContext(ctx)
	receiver.OpenContext(ctx)

	payload := make([]byte, ImmediateCutoff+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, len(payload))

	dst, _ := sender.AddrLookup("gm://4")
	if _, _, err := receiver.PostRecvList(nil, [][]byte{buf}, 11, int64(len(payload)), 0, ctx, "recv"); err != nil {
		t.Fatalf("post recv: %v", err)
	}
	if _, _, err := sender.PostSendList(dst, [][]byte{payload}, 11, 0, ctx, "send"); err != nil {
		t.Fatalf("post send: %v", err)
	}

	if !waitFor(receiver, ctx, "recv", 2*time.Second) {
		t.Fatal("rendezvous recv never completed")
	}
	if !waitFor(sender, ctx, "send", 2*time.Second) {
		t.Fatal("rendezvous send never completed (missing PutAnnounce?)")
	}
	if string(buf) != string(payload) {
		t.Fatal("payload corrupted across rendezvous transfer")
	}
}

func waitFor(m *Method, ctx bmi.ContextID, want string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		comps, err := m.TestContext(4, ctx, 10)
		if err != nil {
			return false
		}
		for _, c := range comps {
			if c.UserPtr == want {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	m := New(5, nil)
	if err := m.Cancel(42, 0); err != nil {
		t.Fatalf("cancel unknown op: %v", err)
	}
}

func TestTokenBankHalvesEvenly(t *testing.T) {
	b := newTokenBank(8, 8)
	if !b.allocSend(PriorityHi) {
		t.Fatal("expected a hi send token")
	}
	if b.sendHi != 3 {
		t.Fatalf("expected 3 remaining hi send tokens, got %d", b.sendHi)
	}
}
