package van

import (
	"sync"
	"time"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

// Status of an endpoint's connection state machine.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Endpoint is the per-peer state: connection identifier, queue pair, and
// the pre-allocated work-request contexts with their free lists.
type Endpoint struct {
	nodeID int

	mu      sync.Mutex
	status  Status
	changed chan struct{}

	conn verbs.Conn
	qp   verbs.QueuePair

	trans Transport

	rxCtx     []*WRContext
	startCtx  []*WRContext
	replyCtx  []*WRContext
	writeCtx  []*WRContext
	freeStart chan *WRContext
	freeReply chan *WRContext
	freeWrite chan *WRContext
}

func newEndpoint() *Endpoint {
	return &Endpoint{
		nodeID:  EmptyID,
		status:  StatusIdle,
		changed: make(chan struct{}),
	}
}

// SetNodeID records the peer's node id.
func (e *Endpoint) SetNodeID(id int) { e.nodeID = id }

// NodeID returns the peer's node id.
func (e *Endpoint) NodeID() int { return e.nodeID }

func (e *Endpoint) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

// Status returns the current connection status.
func (e *Endpoint) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// waitLeaving blocks until the status is no longer from, or the timeout
// elapses, and returns the status seen last.
func (e *Endpoint) waitLeaving(from Status, timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		s := e.status
		ch := e.changed
		e.mu.Unlock()
		if s != from {
			return s
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return s
		}
		select {
		case <-ch:
		case <-time.After(remain):
		}
	}
}

func (e *Endpoint) setTransport(t Transport) {
	e.mu.Lock()
	e.trans = t
	e.mu.Unlock()
}

// Transport returns the transport bound to this endpoint.
func (e *Endpoint) Transport() Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trans
}

// Init creates the queue pair with capacities derived from the fixed
// depths, allocates the per-kind work-request contexts, and pre-posts
// the receive depth.
func (e *Endpoint) Init(v *Van, cq verbs.CompletionQueue, pd verbs.ProtectionDomain) error {
	qp, err := e.conn.CreateQP(pd, cq, verbs.QPCap{
		MaxSendWR:  startDepth + replyDepth + writeDepth,
		MaxRecvWR:  rxDepth,
		MaxSendSGE: sgEntries,
		MaxRecvSGE: sgEntries,
	})
	if err != nil {
		return err
	}
	e.qp = qp

	e.freeStart = make(chan *WRContext, startDepth)
	e.freeReply = make(chan *WRContext, replyDepth)
	e.freeWrite = make(chan *WRContext, writeDepth)

	if e.startCtx, err = e.initContexts(v, pd, wrRendezvousStart, startDepth, e.freeStart); err != nil {
		return err
	}
	if e.replyCtx, err = e.initContexts(v, pd, wrRendezvousReply, replyDepth, e.freeReply); err != nil {
		return err
	}
	if e.writeCtx, err = e.initContexts(v, pd, wrWrite, writeDepth, e.freeWrite); err != nil {
		return err
	}
	if e.rxCtx, err = e.initContexts(v, pd, wrReceive, rxDepth, nil); err != nil {
		return err
	}
	for _, ctx := range e.rxCtx {
		e.PostRecv(ctx)
	}
	return nil
}

func (e *Endpoint) initContexts(v *Van, pd verbs.ProtectionDomain, kind wrKind, n int, free chan *WRContext) ([]*WRContext, error) {
	ctxs := make([]*WRContext, n)
	for i := 0; i < n; i++ {
		buf, err := alignedAlloc(mempoolChunkSize)
		if err != nil {
			return nil, err
		}
		mr, err := pd.RegisterMemory(buf, verbs.AccessLocalWrite)
		if err != nil {
			freeAligned(buf)
			return nil, err
		}
		ctx := &WRContext{kind: kind, ep: e, buf: buf, mr: mr}
		ctx.id = v.wrTab.register(ctx)
		ctxs[i] = ctx
		if free != nil {
			free <- ctx
		}
	}
	return ctxs, nil
}

// PostRecv re-arms one receive work request pointing at the context's
// registered chunk.
func (e *Endpoint) PostRecv(ctx *WRContext) {
	err := e.qp.PostRecv(ctx.id, verbs.SGE{
		Addr:   ctx.mr.Addr,
		Length: mempoolChunkSize,
		LKey:   ctx.mr.LKey,
	})
	if err != nil {
		fatalf("van: post recv on node %d: %v", e.nodeID, err)
	}
}

// Disconnect tears the connection down and waits for the state machine
// to return to idle.
func (e *Endpoint) Disconnect() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Disconnect(); err != nil {
		fatalf("van: disconnect from node %d: %v", e.nodeID, err)
	}
	e.waitLeaving(StatusConnected, 30*time.Second)
	e.setTransport(nil)
}

// destroy releases the queue pair, connection identifier and every
// registered context buffer. The CQ poller must have been joined first.
func (e *Endpoint) destroy(v *Van, pd verbs.ProtectionDomain) {
	if e.qp != nil {
		_ = e.qp.Close()
		e.qp = nil
	}
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	for _, set := range [][]*WRContext{e.rxCtx, e.startCtx, e.replyCtx, e.writeCtx} {
		for _, ctx := range set {
			v.wrTab.drop(ctx.id)
			if pd != nil && ctx.mr != nil {
				_ = pd.DeregisterMemory(ctx.mr)
			}
			freeAligned(ctx.buf)
			ctx.buf = nil
		}
	}
	e.rxCtx, e.startCtx, e.replyCtx, e.writeCtx = nil, nil, nil, nil
}

// wrTable resolves work-request ids carried on the wire back to their
// contexts. Ids are table tokens, never raw pointers.
type wrTable struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]*WRContext
}

func newWRTable() *wrTable {
	return &wrTable{next: 1, m: make(map[uint64]*WRContext)}
}

func (t *wrTable) register(ctx *WRContext) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.m[id] = ctx
	return id
}

func (t *wrTable) lookup(id uint64) *WRContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[id]
}

func (t *wrTable) drop(id uint64) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}
