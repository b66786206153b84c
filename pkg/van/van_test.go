package van

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/internal/telemetry"
	"github.com/bytedance/ps-lite/pkg/shm"
	"github.com/bytedance/ps-lite/pkg/store"
	"github.com/bytedance/ps-lite/pkg/verbs"
)

const (
	testServerID = 8
	testWorkerID = 9
)

// observedRequest is a deep copy of one request seen by the test server.
type observedRequest struct {
	meta Meta
	data [][]byte
}

type testCluster struct {
	hub    *verbs.Loopback
	server *Van
	worker *Van
	seen   chan observedRequest
}

// startCluster wires one server and one worker over the loopback fabric
// and runs an echo server answering pushes and pulls from a parameter
// store.
func startCluster(t *testing.T, sameHost bool) *testCluster {
	t.Helper()
	hub := verbs.NewLoopback()
	serverHost, workerHost := "server-host", "worker-host"
	if sameHost {
		workerHost = serverHost
	}
	serverNode := Node{ID: testServerID, Role: RoleServer, Hostname: serverHost, Port: 9010}
	workerNode := Node{ID: testWorkerID, Role: RoleWorker, Hostname: workerHost, Port: 9011}

	c := &testCluster{
		hub:    hub,
		server: New(hub.Host(serverHost), serverNode, zap.NewNop()),
		worker: New(hub.Host(workerHost), workerNode, zap.NewNop()),
		seen:   make(chan observedRequest, 1024),
	}
	if err := c.server.Start(0); err != nil {
		t.Fatalf("server start: %v", err)
	}
	if err := c.worker.Start(0); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	if port := c.server.Bind(0); port < 0 {
		t.Fatal("server bind failed")
	}
	if port := c.worker.Bind(0); port < 0 {
		t.Fatal("worker bind failed")
	}
	if err := c.server.Connect(c.worker.Node()); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	if err := c.worker.Connect(c.server.Node()); err != nil {
		t.Fatalf("worker connect: %v", err)
	}

	go c.serve(t)

	t.Cleanup(func() {
		c.worker.Stop()
		c.server.Stop()
	})
	return c
}

func (c *testCluster) serve(t *testing.T) {
	params := store.New()
	type respFields struct {
		keys []byte
		lens []byte
	}
	fields := make(map[uint64]respFields)

	var req Message
	for {
		if _, err := c.server.RecvMsg(&req); err != nil {
			return
		}
		obs := observedRequest{meta: req.Meta}
		for _, d := range req.Data {
			obs.data = append(obs.data, append([]byte(nil), d...))
		}
		select {
		case c.seen <- obs:
		default:
		}
		if !IsValidPushpull(&req) {
			continue
		}

		resp := Message{}
		resp.Meta.Recver = req.Meta.Sender
		resp.Meta.Push = req.Meta.Push
		resp.Meta.Key = req.Meta.Key
		resp.Meta.Timestamp = req.Meta.Timestamp

		if req.Meta.Push {
			if err := params.Update(req.Meta.Key, req.Data[1]); err != nil {
				t.Errorf("server store: %v", err)
				return
			}
		} else {
			stored, ok := params.Get(req.Meta.Key)
			if !ok {
				t.Errorf("pull of key %d before push", req.Meta.Key)
				return
			}
			f, ok := fields[req.Meta.Key]
			if !ok {
				f = respFields{keys: encodeKey(req.Meta.Key), lens: encodeLen(len(stored))}
				fields[req.Meta.Key] = f
			}
			resp.Data = [][]byte{f.keys, stored, f.lens}
		}
		if _, err := c.server.SendMsg(&resp); err != nil {
			return
		}
	}
}

func (c *testCluster) push(t *testing.T, keys, vals, lens []byte) Message {
	t.Helper()
	msg := Message{Data: [][]byte{keys, vals, lens}}
	msg.Meta.Recver = testServerID
	msg.Meta.Request = true
	msg.Meta.Push = true
	if _, err := c.worker.SendMsg(&msg); err != nil {
		t.Fatalf("push: %v", err)
	}
	var resp Message
	if _, err := c.worker.RecvMsg(&resp); err != nil {
		t.Fatalf("push response: %v", err)
	}
	if !resp.Meta.Push || resp.Meta.Request {
		t.Fatalf("unexpected push response flags: %+v", resp.Meta)
	}
	return resp
}

func (c *testCluster) pull(t *testing.T, keys []byte) Message {
	t.Helper()
	msg := Message{Data: [][]byte{keys}}
	msg.Meta.Recver = testServerID
	msg.Meta.Request = true
	msg.Meta.Push = false
	if _, err := c.worker.SendMsg(&msg); err != nil {
		t.Fatalf("pull: %v", err)
	}
	var resp Message
	if _, err := c.worker.RecvMsg(&resp); err != nil {
		t.Fatalf("pull response: %v", err)
	}
	if resp.Meta.Push || resp.Meta.Request {
		t.Fatalf("unexpected pull response flags: %+v", resp.Meta)
	}
	return resp
}

func (c *testCluster) observed(t *testing.T) observedRequest {
	t.Helper()
	select {
	case obs := <-c.seen:
		return obs
	case <-time.After(5 * time.Second):
		t.Fatal("server observed no request")
	}
	return observedRequest{}
}

func TestPushDeliversExactBytes(t *testing.T) {
	c := startCluster(t, false)

	vals := bytes.Repeat([]byte{0xAA}, 1024)
	c.push(t, encodeKey(7), vals, encodeLen(1024))

	obs := c.observed(t)
	if obs.meta.Key != 7 || !obs.meta.Push || !obs.meta.Request {
		t.Fatalf("server saw meta %+v", obs.meta)
	}
	if len(obs.data) != 3 {
		t.Fatalf("server saw %d data fields, want 3", len(obs.data))
	}
	if got := decodeKey(obs.data[0]); got != 7 {
		t.Fatalf("server keys field = %d, want 7", got)
	}
	if !bytes.Equal(obs.data[1], vals) {
		t.Fatalf("server values differ: len %d first byte %#x", len(obs.data[1]), obs.data[1][0])
	}
	if got := int(int32(wire.Uint32(obs.data[2]))); got != 1024 {
		t.Fatalf("server lens field = %d, want 1024", got)
	}
}

func TestPushThenPullReturnsPushedBytes(t *testing.T) {
	c := startCluster(t, false)

	vals := bytes.Repeat([]byte{0xAA}, 1024)
	c.push(t, encodeKey(7), vals, encodeLen(1024))
	<-c.seen

	// pull twice: the first response rides the rendezvous, the second
	// the cached one-sided path
	for i := 0; i < 2; i++ {
		resp := c.pull(t, encodeKey(7))
		if len(resp.Data) != 3 {
			t.Fatalf("pull %d: %d data fields", i, len(resp.Data))
		}
		if len(resp.Data[1]) != 1024 {
			t.Fatalf("pull %d: vals size %d, want 1024", i, len(resp.Data[1]))
		}
		if !bytes.Equal(resp.Data[1], vals) {
			t.Fatalf("pull %d returned wrong bytes", i)
		}
	}
}

func TestSecondPushSkipsRendezvous(t *testing.T) {
	c := startCluster(t, false)

	vals := bytes.Repeat([]byte{0x5C}, 4096)
	c.push(t, encodeKey(9), vals, encodeLen(4096))

	before := testutil.ToFloat64(telemetry.Rendezvous)
	c.push(t, encodeKey(9), vals, encodeLen(4096))
	after := testutil.ToFloat64(telemetry.Rendezvous)
	if after != before {
		t.Fatalf("second push triggered %v rendezvous handshakes", after-before)
	}

	// the cache entry exists and the pending table drained
	c.worker.addrMu.Lock()
	_, cached := c.worker.pushAddr[9][testServerID]
	pending := len(c.worker.pendingBufs)
	c.worker.addrMu.Unlock()
	if !cached {
		t.Fatal("push landing not cached after first rendezvous")
	}
	if pending != 0 {
		t.Fatalf("%d rendezvous buffers still pending", pending)
	}
}

func TestZeroLengthValuePush(t *testing.T) {
	c := startCluster(t, false)

	c.push(t, encodeKey(11), nil, encodeLen(0))
	obs := c.observed(t)
	if len(obs.data) != 3 {
		t.Fatalf("server saw %d data fields, want 3", len(obs.data))
	}
	if len(obs.data[1]) != 0 {
		t.Fatalf("server saw %d value bytes, want 0", len(obs.data[1]))
	}

	resp := c.pull(t, encodeKey(11))
	if len(resp.Data[1]) != 0 {
		t.Fatalf("pull returned %d bytes, want empty view", len(resp.Data[1]))
	}
}

func TestOneSignaledCompletionPerMessage(t *testing.T) {
	c := startCluster(t, false)

	label := verbs.OpRDMAWrite.String()
	before := testutil.ToFloat64(telemetry.Completions.WithLabelValues(label))

	const n = 5
	vals := bytes.Repeat([]byte{0x11}, 2048)
	for i := 0; i < n; i++ {
		c.push(t, encodeKey(21), vals, encodeLen(2048))
	}

	// n pushes and n responses, one signaled write each; completions may
	// trail the application-level response slightly
	want := before + 2*n
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(telemetry.Completions.WithLabelValues(label)) >= want {
			break
		}
		time.Sleep(time.Millisecond)
	}
	got := testutil.ToFloat64(telemetry.Completions.WithLabelValues(label))
	if got != want {
		t.Fatalf("signaled write completions = %v, want %v", got, want)
	}
}

func TestControlMessagesAlwaysRendezvous(t *testing.T) {
	c := startCluster(t, false)

	for i := 0; i < 3; i++ {
		before := testutil.ToFloat64(telemetry.Rendezvous)
		msg := Message{}
		msg.Meta.Recver = testServerID
		msg.Meta.Request = true
		msg.Meta.Control = Control{
			Cmd:          CmdBarrier,
			BarrierGroup: 4,
			Nodes:        []Node{{ID: 1, Role: RoleScheduler, Hostname: "sched", Port: 8000}},
		}
		if _, err := c.worker.SendMsg(&msg); err != nil {
			t.Fatalf("control send %d: %v", i, err)
		}
		obs := c.observed(t)
		if obs.meta.Control.Cmd != CmdBarrier || obs.meta.Control.BarrierGroup != 4 {
			t.Fatalf("control %d: server saw %+v", i, obs.meta.Control)
		}
		if len(obs.meta.Control.Nodes) != 1 || obs.meta.Control.Nodes[0].Hostname != "sched" {
			t.Fatalf("control %d: nodes %+v", i, obs.meta.Control.Nodes)
		}
		if len(obs.data) != 0 {
			t.Fatalf("control %d carried %d data fields", i, len(obs.data))
		}
		// SendMsg bumps the counter before returning; the bounded wait
		// only guards the sample
		deadline := time.Now().Add(5 * time.Second)
		for testutil.ToFloat64(telemetry.Rendezvous) < before+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := testutil.ToFloat64(telemetry.Rendezvous); got < before+1 {
			t.Fatalf("control %d did not rendezvous (counter %v)", i, got)
		}
	}
}

func TestBindRetriesOnHeldPort(t *testing.T) {
	hub := verbs.NewLoopback()
	fabric := hub.Host("bind-host")
	if _, err := fabric.Listen("", 5555, listenBacklog); err != nil {
		t.Fatalf("holding listener: %v", err)
	}

	v := New(hub.Host("bind-host"), Node{ID: 1, Role: RoleServer, Hostname: "bind-host", Port: 5555}, zap.NewNop())
	if err := v.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer v.Stop()
	port := v.Bind(3)
	if port < 10000 || port >= 50000 {
		t.Fatalf("Bind on held port returned %d, want a port in [10000, 50000)", port)
	}

	w := New(hub.Host("bind-host"), Node{ID: 2, Role: RoleServer, Hostname: "bind-host", Port: 5555}, zap.NewNop())
	if err := w.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	if got := w.Bind(0); got != -1 {
		t.Fatalf("Bind with max_retry=0 on held port returned %d, want -1", got)
	}
}

func TestDisconnectThenReconnectResumesTraffic(t *testing.T) {
	c := startCluster(t, false)

	vals := bytes.Repeat([]byte{0x3E}, 1024)
	c.push(t, encodeKey(7), vals, encodeLen(1024))
	<-c.seen

	c.worker.epMu.Lock()
	ep := c.worker.endpoints[testServerID]
	c.worker.epMu.Unlock()
	ep.Disconnect()
	if got := ep.Status(); got != StatusIdle {
		t.Fatalf("endpoint status after disconnect = %s, want idle", got)
	}

	if err := c.worker.Connect(c.server.Node()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	// the fresh connection starts with an empty address cache, so the
	// next push rendezvouses again and traffic resumes
	before := testutil.ToFloat64(telemetry.Rendezvous)
	c.push(t, encodeKey(7), vals, encodeLen(1024))
	if got := testutil.ToFloat64(telemetry.Rendezvous); got < before+1 {
		t.Fatal("push after reconnect reused a stale landing")
	}

	resp := c.pull(t, encodeKey(7))
	if !bytes.Equal(resp.Data[1], vals) {
		t.Fatal("pull after reconnect returned wrong bytes")
	}
}

func TestIPCPullResponseThroughSharedMemory(t *testing.T) {
	t.Setenv("BYTEPS_ENABLE_IPC", "1")
	t.Setenv("BYTEPS_PARTITION_BYTES", "4096")
	t.Setenv("BYTEPS_LOCAL_SIZE", "1")

	const key = 9
	const valLen = 1024
	shmName := fmt.Sprintf("%s%d", ShmPrefix, 0)
	base, err := shm.Create(shmName, 16*4096)
	if err != nil {
		t.Fatalf("create shm: %v", err)
	}
	defer shm.Unlink(shmName)
	defer shm.Close(base)

	c := startCluster(t, true)

	// the worker tensor lives inside the shared partition for key 9
	partition := base[key*4096 : key*4096+valLen : key*4096+valLen]
	for i := range partition {
		partition[i] = 0xCD
	}

	c.push(t, encodeKey(key), partition, encodeLen(valLen))
	obs := c.observed(t)
	if !bytes.Equal(obs.data[1], bytes.Repeat([]byte{0xCD}, valLen)) {
		t.Fatal("server did not read the push through shared memory")
	}

	// prime the pull path, then clobber the partition: only a fresh copy
	// through shared memory can restore the payload
	c.pull(t, encodeKey(key))
	for i := range partition {
		partition[i] = 0
	}
	resp := c.pull(t, encodeKey(key))
	if !bytes.Equal(resp.Data[1], bytes.Repeat([]byte{0xCD}, valLen)) {
		t.Fatal("pull response did not arrive through shared memory")
	}
	if !bytes.Equal(partition, bytes.Repeat([]byte{0xCD}, valLen)) {
		t.Fatal("shared partition not repopulated by the ipc copy")
	}
}

func TestSendMsgErrors(t *testing.T) {
	c := startCluster(t, false)

	msg := Message{}
	msg.Meta.Recver = EmptyID
	if _, err := c.worker.SendMsg(&msg); err == nil {
		t.Fatal("expected error for missing receiver")
	}
	msg.Meta.Recver = 12345
	if _, err := c.worker.SendMsg(&msg); err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
}

func TestConnectSkipsSameRolePeer(t *testing.T) {
	hub := verbs.NewLoopback()
	v := New(hub.Host("host-a"), Node{ID: 1, Role: RoleWorker, Hostname: "host-a", Port: 9000}, zap.NewNop())
	if err := v.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer v.Stop()

	// no listener exists for the peer; a real dial attempt would fail
	other := Node{ID: 2, Role: RoleWorker, Hostname: "host-b", Port: 9001}
	if err := v.Connect(other); err != nil {
		t.Fatalf("same-role connect should be a no-op, got %v", err)
	}
	v.epMu.Lock()
	_, exists := v.endpoints[2]
	v.epMu.Unlock()
	if exists {
		t.Fatal("same-role connect created an endpoint")
	}
}

func TestRecvAfterStop(t *testing.T) {
	hub := verbs.NewLoopback()
	v := New(hub.Host("host-a"), Node{ID: 1, Role: RoleServer, Hostname: "host-a", Port: 9000}, zap.NewNop())
	if err := v.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	v.Stop()
	var msg Message
	if _, err := v.RecvMsg(&msg); err == nil {
		t.Fatal("expected error receiving from a stopped van")
	}
}

func TestHostnameTooLongRejected(t *testing.T) {
	hub := verbs.NewLoopback()
	long := "this-hostname-is-way-beyond-the-wire-limit"
	v := New(hub.Host(long), Node{ID: 1, Role: RoleServer, Hostname: long, Port: 9000}, zap.NewNop())
	if err := v.Start(0); err == nil {
		v.Stop()
		t.Fatal("expected error for oversized hostname")
	}
}
