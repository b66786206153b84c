package verbs

import (
	"bytes"
	"testing"
	"time"
)

func waitEvent(t *testing.T, f Fabric, want EventType) Event {
	t.Helper()
	select {
	case ev := <-f.Events():
		if ev.Type != want {
			t.Fatalf("got event %s, want %s", ev.Type, want)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return Event{}
}

// dialPair runs the full CM handshake between two hosts, checking the
// private data each side receives, and returns both sides' completion
// queues, connected queue pairs and protection domains.
func dialPair(t *testing.T) (cqA, cqB CompletionQueue, qpA, qpB QueuePair, pdA, pdB ProtectionDomain) {
	t.Helper()
	hub := NewLoopback()
	fa := hub.Host("host-a")
	fb := hub.Host("host-b")

	if _, err := fb.Listen("", 7000, 16); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	conn, err := fa.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.ResolveAddr("", "host-b", 7000, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	waitEvent(t, fa, EventAddrResolved)
	if err := conn.ResolveRoute(time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	waitEvent(t, fa, EventRouteResolved)

	pdA, _ = conn.Device().AllocPD()
	cqA, _ = conn.Device().CreateCQ(128)
	qpA, err = conn.CreateQP(pdA, cqA, QPCap{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1})
	if err != nil {
		t.Fatalf("CreateQP: %v", err)
	}

	if err := conn.Connect([]byte("hello-from-a")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	req := waitEvent(t, fb, EventConnectRequest)
	if string(req.PrivateData) != "hello-from-a" {
		t.Fatalf("private data = %q", req.PrivateData)
	}

	pdB, _ = req.Conn.Device().AllocPD()
	cqB, _ = req.Conn.Device().CreateCQ(128)
	qpB, err = req.Conn.CreateQP(pdB, cqB, QPCap{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1})
	if err != nil {
		t.Fatalf("CreateQP (passive): %v", err)
	}
	if err := req.Conn.Accept([]byte("hello-from-b")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitEvent(t, fb, EventEstablished)
	est := waitEvent(t, fa, EventEstablished)
	if string(est.PrivateData) != "hello-from-b" {
		t.Fatalf("established private data = %q", est.PrivateData)
	}
	return cqA, cqB, qpA, qpB, pdA, pdB
}

func pollOne(t *testing.T, cq CompletionQueue) WorkCompletion {
	t.Helper()
	wcs := make([]WorkCompletion, 4)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := cq.Poll(wcs)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n > 0 {
			return wcs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no completion within deadline")
	return WorkCompletion{}
}

func TestLoopbackSendRecvWithImm(t *testing.T) {
	cqA, cqB, qpA, qpB, pdA, pdB := dialPair(t)

	rxBuf := make([]byte, 4096)
	rxMR, err := pdB.RegisterMemory(rxBuf, AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if err := qpB.PostRecv(42, SGE{Addr: rxMR.Addr, Length: 4096, LKey: rxMR.LKey}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("rendezvous start payload")
	txBuf := make([]byte, 4096)
	copy(txBuf, payload)
	txMR, _ := pdA.RegisterMemory(txBuf, AccessLocalWrite)
	if err := qpA.PostSendImm(7, SGE{Addr: txMR.Addr, Length: uint32(len(payload)), LKey: txMR.LKey}, 0); err != nil {
		t.Fatalf("PostSendImm: %v", err)
	}

	wc := pollOne(t, cqB)
	if wc.Opcode != OpRecv || wc.WRID != 42 || !wc.HasImm || wc.Imm != 0 {
		t.Fatalf("recv completion = %+v", wc)
	}
	if !bytes.Equal(rxBuf[:len(payload)], payload) {
		t.Fatalf("payload mismatch: %q", rxBuf[:len(payload)])
	}
	if wc := pollOne(t, cqA); wc.Opcode != OpSend || wc.WRID != 7 {
		t.Fatalf("send completion = %+v", wc)
	}
}

func TestLoopbackWriteThenWriteImmOrder(t *testing.T) {
	cqA, cqB, qpA, qpB, pdA, pdB := dialPair(t)
	_ = cqB

	landing := make([]byte, 8192)
	landingMR, _ := pdB.RegisterMemory(landing, AccessLocalWrite|AccessRemoteWrite)
	if err := qpB.PostRecv(1, SGE{Addr: landingMR.Addr, Length: 0, LKey: landingMR.LKey}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	vals := make([]byte, 4096)
	for i := range vals {
		vals[i] = 0xAA
	}
	valsMR, _ := pdA.RegisterMemory(vals, AccessLocalWrite)
	meta := []byte("meta-bytes")
	metaBuf := make([]byte, 4096)
	copy(metaBuf, meta)
	metaMR, _ := pdA.RegisterMemory(metaBuf, AccessLocalWrite)

	// unsignaled value write, then signaled metadata write with imm
	if err := qpA.PostWrite(SGE{Addr: valsMR.Addr, Length: 4096, LKey: valsMR.LKey}, landingMR.Addr+4096, landingMR.RKey); err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	if err := qpA.PostWriteImm(9, SGE{Addr: metaMR.Addr, Length: uint32(len(meta)), LKey: metaMR.LKey}, landingMR.Addr, landingMR.RKey, 33); err != nil {
		t.Fatalf("PostWriteImm: %v", err)
	}

	wc := pollOne(t, cqB)
	if wc.Opcode != OpRecvRDMAImm || wc.Imm != 33 || wc.WRID != 1 {
		t.Fatalf("imm completion = %+v", wc)
	}
	// value must be fully visible once the imm completion surfaces
	if !bytes.Equal(landing[4096:8192], vals) {
		t.Fatal("value segment not landed before imm completion")
	}
	if !bytes.Equal(landing[:len(meta)], meta) {
		t.Fatalf("meta segment mismatch: %q", landing[:len(meta)])
	}
	if wc := pollOne(t, cqA); wc.Opcode != OpRDMAWrite || wc.WRID != 9 {
		t.Fatalf("write completion = %+v", wc)
	}
}

func TestLoopbackRKeyEnforced(t *testing.T) {
	_, _, qpA, _, pdA, pdB := dialPair(t)

	landing := make([]byte, 4096)
	landingMR, _ := pdB.RegisterMemory(landing, AccessLocalWrite|AccessRemoteWrite)
	src := make([]byte, 16)
	srcMR, _ := pdA.RegisterMemory(src, AccessLocalWrite)

	if err := qpA.PostWrite(SGE{Addr: srcMR.Addr, Length: 16, LKey: srcMR.LKey}, landingMR.Addr, landingMR.RKey+1); err == nil {
		t.Fatal("write with wrong rkey should fail")
	}
}

func TestLoopbackPortConflict(t *testing.T) {
	hub := NewLoopback()
	f := hub.Host("host-a")
	l, err := f.Listen("", 9000, 16)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := f.Listen("", 9000, 16); err == nil {
		t.Fatal("second listen on the same port should fail")
	}
	// another host may use the same port
	if _, err := hub.Host("host-b").Listen("", 9000, 16); err != nil {
		t.Fatalf("Listen on other host: %v", err)
	}
	l.Close()
	if _, err := f.Listen("", 9000, 16); err != nil {
		t.Fatalf("Listen after close: %v", err)
	}
}

func TestLoopbackConnectWithoutListener(t *testing.T) {
	hub := NewLoopback()
	fa := hub.Host("host-a")
	conn, _ := fa.NewConn()
	if err := conn.ResolveAddr("", "host-b", 7777, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	waitEvent(t, fa, EventAddrResolved)
	if err := conn.ResolveRoute(time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	waitEvent(t, fa, EventRouteResolved)
	if err := conn.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, fa, EventRejected)
}

func TestLoopbackStableRegistration(t *testing.T) {
	hub := NewLoopback()
	conn, _ := hub.Host("host-a").NewConn()
	pd, _ := conn.Device().AllocPD()

	buf := make([]byte, 1024)
	mr1, err := pd.RegisterMemory(buf, AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	mr2, err := pd.RegisterMemory(buf, AccessLocalWrite)
	if err != nil {
		t.Fatalf("re-RegisterMemory: %v", err)
	}
	if mr1.Addr != mr2.Addr || mr1.RKey != mr2.RKey {
		t.Fatalf("re-registration moved the region: %+v vs %+v", mr1, mr2)
	}
	if err := pd.DeregisterMemory(mr1); err != nil {
		t.Fatalf("DeregisterMemory: %v", err)
	}
	// still registered once more
	mr3, err := pd.RegisterMemory(buf, AccessLocalWrite)
	if err != nil || mr3.Addr != mr1.Addr {
		t.Fatalf("region lost after paired deregister: %v", err)
	}
}
