package tcp

import (
	"testing"
	"time"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/tm"
)

func newPair(t *testing.T) (server, client *Method, serverAddr string) {
	t.Helper()
	server = New(nil)
	if err := server.Initialize("tcp://127.0.0.1:0", tm.FlagServer); err != nil {
		t.Fatalf("server initialize: %v", err)
	}
	t.Cleanup(func() { server.Finalize() })

	ln := server.listener
	if ln == nil {
		t.Fatal("server has no listener")
	}
	serverAddr = "tcp://" + ln.Addr().String()

	client = New(nil)
	if err := client.Initialize("", 0); err != nil {
		t.Fatalf("client initialize: %v", err)
	}
	t.Cleanup(func() { client.Finalize() })
	return server, client, serverAddr
}

func TestAddrLookupIsPure(t *testing.T) {
	m := New(nil)
	a1, err := m.AddrLookup("tcp://10.0.0.1:3000")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	addr := a1.(*Addr)
	if addr.Host != "10.0.0.1" || addr.Port != 3000 {
		t.Fatalf("unexpected parse: %+v", addr)
	}
	if s, ok := m.AddrRevLookup(a1); !ok || s != "tcp://10.0.0.1:3000" {
		t.Fatalf("rev lookup mismatch: %q ok=%v", s, ok)
	}
	if len(m.conns) != 0 {
		t.Fatal("addr_lookup must not perform I/O")
	}
}

func TestSendUnexpectedDelivery(t *testing.T) {
	server, client, serverAddr := newPair(t)

	clientTMAddr, err := client.AddrLookup(serverAddr)
	if err != nil {
		t.Fatalf("client addr lookup: %v", err)
	}
	payload := []byte("hello")
	if _, _, err := client.PostSendUnexpectedList(clientTMAddr, [][]byte{payload}, 0, 7, 0, "unexpected-op"); err != nil {
		t.Fatalf("post send unexpected: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		comps, err := server.TestUnexpected(1, 0, false, 50)
		if err != nil {
			t.Fatalf("test unexpected: %v", err)
		}
		for _, c := range comps {
			if string(c.Buffer) == string(payload) {
				return
			}
		}
	}
	t.Fatal("unexpected message never arrived")
}

func TestCancelUnknownOpIsNoOp(t *testing.T) {
	m := New(nil)
	if err := m.Cancel(999, 0); err != nil {
		t.Fatalf("cancel of unknown op should be a no-op: %v", err)
	}
}

func TestGetInfoMaxSize(t *testing.T) {
	m := New(nil)
	v, err := m.GetInfo(bmi.InfoCheckMaxsize)
	if err != nil {
		t.Fatalf("get_info: %v", err)
	}
	if v.(int) != MaxMessageSize {
		t.Fatalf("expected %d, got %v", MaxMessageSize, v)
	}
}

func TestQueryAddrRange(t *testing.T) {
	m := New(nil)
	a, _ := m.AddrLookup("tcp://10.20.0.5:8080")
	ok, err := m.QueryAddrRange(a, "10.20.", 0)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if ok != 1 {
		t.Fatalf("expected prefix match, got %d", ok)
	}
}
