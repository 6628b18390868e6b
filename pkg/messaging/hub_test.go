package messaging

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(HubConfig{
		RPCTimeout:     time.Second,
		ConnectTimeout: time.Second,
		Logger:         zap.NewNop(),
	})
	if err := h.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h.WaitUntilListening()
	t.Cleanup(h.Shutdown)
	return h
}

func (h *Hub) testAddr() string {
	return h.ListenAddr()
}

type waitCallback struct {
	done   chan MessageIn
	snitch bool
}

func newWaitCallback() *waitCallback { return &waitCallback{done: make(chan MessageIn, 1)} }

func (c *waitCallback) Response(msg MessageIn)       { c.done <- msg }
func (c *waitCallback) IsLatencyForSnitch() bool     { return c.snitch }

type waitFailureCallback struct {
	*waitCallback
	failed chan string
}

func newWaitFailureCallback() *waitFailureCallback {
	return &waitFailureCallback{waitCallback: newWaitCallback(), failed: make(chan string, 1)}
}

func (c *waitFailureCallback) OnFailure(target string) { c.failed <- target }

// TestEchoProbeSelf sends ECHO to self and expects a RequestResponse
// reply within 1s; the callback must fire exactly once and the registry
// must return to its prior size.
func TestEchoProbeSelf(t *testing.T) {
	h := newTestHub(t)
	addr := h.testAddr()

	before := h.registry.Len()
	cb := newWaitCallback()
	if _, err := h.SendRR(MessageOut{Verb: Echo, Payload: EchoMessage{}}, addr, cb); err != nil {
		t.Fatalf("SendRR: %v", err)
	}

	select {
	case <-cb.done:
	case <-time.After(time.Second):
		t.Fatalf("echo reply did not arrive within 1s")
	}

	deadline := time.Now().Add(time.Second)
	for h.registry.Len() != before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.registry.Len() != before {
		t.Fatalf("registry size = %d after echo round-trip, want %d", h.registry.Len(), before)
	}
}

// TestTimeoutPathInvokesOnFailure stops the peer from ever replying (by
// never registering a handler for a verb with no default) and confirms
// onFailure fires within the configured window, along with the per-host
// timeout counter.
func TestTimeoutPathInvokesOnFailure(t *testing.T) {
	h := newTestHub(t)
	addr := h.testAddr()

	cb := newWaitFailureCallback()
	_, err := h.SendRRWithFailure(MessageOut{Verb: PullSchema, Payload: PullSchemaMessage{SchemaVersion: "v1"}}, addr, cb, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("SendRRWithFailure: %v", err)
	}

	select {
	case target := <-cb.failed:
		if target != addr {
			t.Fatalf("onFailure target = %q, want %q", target, addr)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("onFailure did not fire within 500ms of a 100ms timeout")
	}

	if got := h.GetTimeoutsPerHost()[addr]; got != 1 {
		t.Fatalf("GetTimeoutsPerHost()[%s] = %d, want 1", addr, got)
	}
}

// TestConvictThenReconnectsOnNextSend confirms that after Convict, a
// connection dials fresh on the next send.
func TestConvictThenReconnectsOnNextSend(t *testing.T) {
	h := newTestHub(t)
	addr := h.testAddr()

	cb := newWaitCallback()
	if _, err := h.SendRR(MessageOut{Verb: Echo, Payload: EchoMessage{}}, addr, cb); err != nil {
		t.Fatalf("SendRR: %v", err)
	}
	<-cb.done

	h.Convict(addr)

	cb2 := newWaitCallback()
	if _, err := h.SendRR(MessageOut{Verb: Echo, Payload: EchoMessage{}}, addr, cb2); err != nil {
		t.Fatalf("SendRR after convict: %v", err)
	}
	select {
	case <-cb2.done:
	case <-time.After(time.Second):
		t.Fatalf("post-convict echo never replied")
	}
}

// TestMagicRejectionClosesBeforeHandler feeds a listener four bad magic
// bytes and expects the socket to close with no handler invoked.
func TestMagicRejectionClosesBeforeHandler(t *testing.T) {
	h := newTestHub(t)
	addr := h.testAddr()

	var handlerCalls int32
	_ = h.RegisterVerbHandler(ClientRequest, verbHandlerFunc(func(MessageIn, int32) {
		atomic.AddInt32(&handlerCalls, 1)
	}))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("write bad magic: %v", err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected connection to close after bad magic, got n=%d err=%v", n, err)
	}

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&handlerCalls) != 0 {
		t.Fatalf("handler was invoked despite bad magic")
	}
}

// TestVersionHandshakeAndRemoval confirms a peer's negotiated version is
// learned from its handshake header and reverts to current once removed.
func TestVersionHandshakeAndRemoval(t *testing.T) {
	h := newTestHub(t)
	addr := h.testAddr()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeUint32(conn, ProtocolMagic); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	header := packHeader(1, false, false)
	if err := writeUint32(conn, header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	const declaredPort = 9999
	if err := writeUint32(conn, declaredPort); err != nil {
		t.Fatalf("write listen port: %v", err)
	}

	localHost, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split local addr: %v", err)
	}
	peer := net.JoinHostPort(localHost, "9999")
	deadline := time.Now().Add(time.Second)
	for !h.knowsVersion(peer) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if v := h.GetVersion(peer); v != 1 {
		t.Fatalf("GetVersion(%s) = %d, want 1", peer, v)
	}

	h.RemoveVersion(peer)
	if v := h.GetVersion(peer); v != CurrentVersion {
		t.Fatalf("GetVersion after RemoveVersion = %d, want %d", v, CurrentVersion)
	}
}

// TestDuplicateVerbHandlerRegistrationFails confirms a second handler
// registration for the same verb is rejected as a startup-time error.
func TestDuplicateVerbHandlerRegistrationFails(t *testing.T) {
	h := NewHub(HubConfig{Logger: zap.NewNop()})
	if err := h.RegisterVerbHandler(ClientRequest, verbHandlerFunc(func(MessageIn, int32) {})); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := h.RegisterVerbHandler(ClientRequest, verbHandlerFunc(func(MessageIn, int32) {})); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestGetVersionClampsToCurrent(t *testing.T) {
	h := NewHub(HubConfig{Logger: zap.NewNop()})
	h.SetVersion("peer-a", CurrentVersion+5)
	if got := h.GetVersion("peer-a"); got != CurrentVersion {
		t.Fatalf("GetVersion clamp = %d, want %d", got, CurrentVersion)
	}
	if got := h.GetVersion("unknown-peer"); got != CurrentVersion {
		t.Fatalf("GetVersion for unknown peer = %d, want %d", got, CurrentVersion)
	}
}
