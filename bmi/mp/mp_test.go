package mp

import (
	"testing"
	"time"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/tm"
	"github.com/parafs/corenet/bmi/tm/tcp"
)

func newServerClientPair(t *testing.T) (server, client *Core, serverAddr string) {
	t.Helper()
	server = New(nil, nil)
	server.RegisterKnown("tcp", tcp.New(nil))
	if err := server.Initialize([]string{"tcp"}, []string{"tcp://127.0.0.1:0"}, tm.FlagServer); err != nil {
		t.Fatalf("server initialize: %v", err)
	}
	t.Cleanup(func() { server.Finalize() })

	active := server.dispatch.Active()
	if len(active) != 1 {
		t.Fatalf("expected one active method, got %d", len(active))
	}
	addr, ok := active[0].(*tcp.Method).ListenAddr()
	if !ok {
		t.Fatalf("server has no listen address")
	}

	client = New(nil, nil)
	client.RegisterKnown("tcp", tcp.New(nil))
	t.Cleanup(func() { client.Finalize() })
	return server, client, addr
}

// TestEchoScenario implements spec.md §8's concrete scenario 1: the client
// sends an unexpected "ping" and gets back a "pong" tagged the same way.
func TestEchoScenario(t *testing.T) {
	server, client, serverAddr := newServerClientPair(t)

	const ctx bmi.ContextID = 1
	if err := server.OpenContext(ctx); err != nil {
		t.Fatalf("server open context: %v", err)
	}
	if err := client.OpenContext(ctx); err != nil {
		t.Fatalf("client open context: %v", err)
	}

	a, err := client.AddrLookup(serverAddr)
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}

	if _, _, err := client.PostSendUnexpected(a, []byte("ping"), 7, 0, ctx, nil); err != nil {
		t.Fatalf("post send unexpected: %v", err)
	}

	var sender bmi.MPAddr
	var gotTag uint32
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		comps, err := server.TestUnexpected(1, 0, false, 50)
		if err != nil {
			t.Fatalf("server test unexpected: %v", err)
		}
		found := false
		for _, c := range comps {
			if string(c.Buffer) == "ping" {
				sender, gotTag, found = c.Sender, c.Tag, true
			}
		}
		if found {
			break
		}
	}
	if gotTag != 7 {
		t.Fatalf("expected the unexpected completion to carry the original tag 7, got %d", gotTag)
	}

	replyBuf := make([]byte, 4)
	opID, _, err := client.PostRecvList(a, [][]byte{replyBuf}, gotTag, 4, 0, ctx, nil)
	if err != nil {
		t.Fatalf("client post recv: %v", err)
	}
	if _, _, err := server.PostSend(sender, []byte("pong"), gotTag, 0, ctx, nil); err != nil {
		t.Fatalf("server post send: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done, comp, err := client.Test(opID, ctx)
		if err != nil {
			t.Fatalf("client test: %v", err)
		}
		if done {
			if string(replyBuf) != "pong" || comp.ActualSize != 4 {
				t.Fatalf("expected pong/4, got %q/%d", replyBuf, comp.ActualSize)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reply never arrived")
}

// TestContextIsolation is spec.md §8's scenario 4: with contexts A and B
// open, an op posted in A must never surface from a TestContext(B) call.
func TestContextIsolation(t *testing.T) {
	server, client, serverAddr := newServerClientPair(t)

	const ctxA, ctxB bmi.ContextID = 1, 2
	for _, c := range []*Core{server, client} {
		if err := c.OpenContext(ctxA); err != nil {
			t.Fatalf("open ctxA: %v", err)
		}
		if err := c.OpenContext(ctxB); err != nil {
			t.Fatalf("open ctxB: %v", err)
		}
	}

	a, err := client.AddrLookup(serverAddr)
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}

	if _, _, err := client.PostSend(a, []byte("xxxx"), 99, 0, ctxA, "op-x"); err != nil {
		t.Fatalf("post send: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		comps, err := client.TestContext(4, ctxB, 20)
		if err != nil {
			t.Fatalf("testcontext B: %v", err)
		}
		for _, c := range comps {
			if c.UserPtr == "op-x" {
				t.Fatalf("op posted on context A leaked into context B's TestContext")
			}
		}
		if time.Now().Sub(deadline.Add(-time.Second)) > 200*time.Millisecond {
			break
		}
	}
}

// TestAddrRefcounting is spec.md §8's scenario 3.
func TestAddrRefcounting(t *testing.T) {
	_, client, serverAddr := newServerClientPair(t)

	a, err := client.AddrLookup(serverAddr)
	if err != nil {
		t.Fatalf("addr lookup: %v", err)
	}
	if err := client.IncAddrRef(a); err != nil {
		t.Fatalf("inc: %v", err)
	}
	if err := client.DecAddrRef(a); err != nil {
		t.Fatalf("dec: %v", err)
	}
	// Back to the lookup's implicit refcount of 1; one more Dec drops it.
	if err := client.DecAddrRef(a); err != nil {
		t.Fatalf("dec: %v", err)
	}
}
