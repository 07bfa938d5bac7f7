package mx

import (
	"testing"
	"time"

	"github.com/parafs/corenet/bmi"
)

func newNode(t *testing.T, id uint32) *Method {
	t.Helper()
	m := New(id, nil)
	if err := m.Initialize("", 0); err != nil {
		t.Fatalf("initialize node %d: %v", id, err)
	}
	t.Cleanup(func() { m.Finalize() })
	return m
}

// TestHandshakeThenExpectedRoundTrip posts both ends before either side has
// ever talked to the other, so the send and the recv both queue behind the
// ICONN-REQ/ICONN-ACK/CONN-REQ/CONN-ACK handshake and only flow once it
// completes.
func TestHandshakeThenExpectedRoundTrip(t *testing.T) {
	sender := newNode(t, 1)
	receiver := newNode(t, 2)
	ctx := bmi.ContextID(1)
	sender.OpenContext(ctx)
	receiver.OpenContext(ctx)

	dst, err := sender.AddrLookup("mx://2")
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}
	src, err := receiver.AddrLookup("mx://1")
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}

	buf := make([]byte, 5)
	if _, _, err := receiver.PostRecvList(src, [][]byte{buf}, 7, 5, 0, ctx, "recv"); err != nil {
		t.Fatalf("post recv: %v", err)
	}
	if _, _, err := sender.PostSendList(dst, [][]byte{[]byte("hello")}, 7, 0, ctx, "send"); err != nil {
		t.Fatalf("post send: %v", err)
	}

	if !waitFor(sender, ctx, "send", 2*time.Second) {
		t.Fatal("send never completed")
	}
	if !waitFor(receiver, ctx, "recv", 2*time.Second) {
		t.Fatal("recv never completed")
	}
	if string(buf) != "hello" {
		t.Fatalf("unexpected payload %q", buf)
	}
}

// TestSecondMessageSkipsHandshake exercises the post-handshake fast path:
// once a peer is StateReady, a second send should not requeue behind a new
// handshake.
func TestSecondMessageSkipsHandshake(t *testing.T) {
	sender := newNode(t, 3)
	receiver := newNode(t, 4)
	ctx := bmi.ContextID(1)
	sender.OpenContext(ctx)
	receiver.OpenContext(ctx)

	dst, _ := sender.AddrLookup("mx://4")
	src, _ := receiver.AddrLookup("mx://3")

	buf1 := make([]byte, 3)
	receiver.PostRecvList(src, [][]byte{buf1}, 20, 3, 0, ctx, "recv1")
	sender.PostSendList(dst, [][]byte{[]byte("one")}, 20, 0, ctx, "send1")
	if !waitFor(sender, ctx, "send1", 2*time.Second) || !waitFor(receiver, ctx, "recv1", 2*time.Second) {
		t.Fatal("first round trip never completed")
	}

	buf2 := make([]byte, 3)
	receiver.PostRecvList(src, [][]byte{buf2}, 21, 3, 0, ctx, "recv2")
	sender.PostSendList(dst, [][]byte{[]byte("two")}, 21, 0, ctx, "send2")
	if !waitFor(sender, ctx, "send2", 2*time.Second) || !waitFor(receiver, ctx, "recv2", 2*time.Second) {
		t.Fatal("second round trip never completed")
	}
	if string(buf2) != "two" {
		t.Fatalf("unexpected payload %q", buf2)
	}
}

func TestUnexpectedDelivery(t *testing.T) {
	sender := newNode(t, 5)
	receiver := newNode(t, 6)
	ctx := bmi.ContextID(1)
	sender.OpenContext(ctx)
	receiver.OpenContext(ctx)

	dst, _ := sender.AddrLookup("mx://6")
	if _, _, err := sender.PostSendUnexpectedList(dst, [][]byte{[]byte("hi")}, 1, 3, ctx, "send"); err != nil {
		t.Fatalf("post unexpected send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		comps, err := receiver.TestUnexpected(1, 0, false, 10)
		if err != nil {
			t.Fatalf("test unexpected: %v", err)
		}
		if len(comps) == 1 {
			if string(comps[0].Buffer) != "hi" {
				t.Fatalf("unexpected payload %q", comps[0].Buffer)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("unexpected message never delivered")
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
	m := New(7, nil)
	if err := m.Cancel(42, 0); err != nil {
		t.Fatalf("cancel unknown op: %v", err)
	}
}

func TestMatchBitsRoundTrip(t *testing.T) {
	m := MatchBits(MsgExpected, 3, 12345, 987654321)
	gotType, gotClass, gotPeer, gotTag := SplitMatchBits(m)
	if gotType != MsgExpected || gotClass != 3 || gotPeer != 12345 || gotTag != 987654321 {
		t.Fatalf("round trip mismatch: type=%v class=%d peer=%d tag=%d", gotType, gotClass, gotPeer, gotTag)
	}
}
