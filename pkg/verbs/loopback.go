package verbs

import (
	"fmt"
	"sync"
	"time"
)

// Loopback emulates an RDMA network inside one process: a shared device
// with a virtual address space for registered regions, per-host fabrics,
// and channel-backed queue pairs that preserve per-QP ordering. It backs
// every test and lets the benchmark run without hardware.
type Loopback struct {
	mu        sync.Mutex
	listeners map[string]*loListener
	regions   []*loRegion
	nextAddr  uint64
	nextKey   uint32
	device    *loDevice
}

// NewLoopback creates an empty loopback network.
func NewLoopback() *Loopback {
	n := &Loopback{
		listeners: make(map[string]*loListener),
		nextAddr:  0x1000,
		nextKey:   1,
	}
	n.device = &loDevice{hub: n}
	return n
}

// Host returns the fabric handle for one emulated host.
func (n *Loopback) Host(hostname string) Fabric {
	return &loFabric{hub: n, host: hostname, events: make(chan Event, 1024)}
}

type loRegion struct {
	base   uint64
	buf    []byte
	lkey   uint32
	rkey   uint32
	access Access
	refs   int
}

// register assigns a stable virtual address per buffer: re-registering
// the same memory yields the same address and keys, the way a real
// buffer keeps its address across registrations.
func (n *Loopback) register(buf []byte, access Access) *MemoryRegion {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.regions {
		if len(r.buf) == len(buf) && &r.buf[0] == &buf[0] {
			r.refs++
			r.access |= access
			return &MemoryRegion{Addr: r.base, Length: len(buf), LKey: r.lkey, RKey: r.rkey}
		}
	}
	r := &loRegion{base: n.nextAddr, buf: buf, lkey: n.nextKey, rkey: n.nextKey, access: access, refs: 1}
	n.nextKey++
	// keep bases page-aligned and leave a guard gap so adjacent regions
	// never merge
	n.nextAddr += (uint64(len(buf))+0xfff)&^uint64(0xfff) + 0x1000
	n.regions = append(n.regions, r)
	return &MemoryRegion{Addr: r.base, Length: len(buf), LKey: r.lkey, RKey: r.rkey}
}

func (n *Loopback) deregister(mr *MemoryRegion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.regions {
		if r.base == mr.Addr {
			r.refs--
			if r.refs <= 0 {
				n.regions = append(n.regions[:i], n.regions[i+1:]...)
			}
			return nil
		}
	}
	return fmt.Errorf("verbs: deregister of unknown region 0x%x", mr.Addr)
}

func (n *Loopback) resolve(addr uint64, length uint32, key uint32, remote bool) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.regions {
		if addr < r.base || addr+uint64(length) > r.base+uint64(len(r.buf)) {
			continue
		}
		if remote {
			if r.rkey != key {
				return nil, fmt.Errorf("verbs: rkey mismatch at 0x%x", addr)
			}
			if r.access&AccessRemoteWrite == 0 {
				return nil, fmt.Errorf("verbs: region 0x%x not remote-writable", addr)
			}
		} else if r.lkey != key {
			return nil, fmt.Errorf("verbs: lkey mismatch at 0x%x", addr)
		}
		off := addr - r.base
		return r.buf[off : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("verbs: address 0x%x len %d not registered", addr, length)
}

type loFabric struct {
	hub    *Loopback
	host   string
	events chan Event

	mu     sync.Mutex
	closed bool
}

func (f *loFabric) Events() <-chan Event { return f.events }

func (f *loFabric) deliver(ev Event) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.events <- ev
}

// Listen ignores the source-host hint: a loopback fabric is already
// bound to its host identity.
func (f *loFabric) Listen(host string, port int, backlog int) (Listener, error) {
	key := fmt.Sprintf("%s:%d", f.host, port)
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if port <= 0 {
		return nil, fmt.Errorf("verbs: cannot listen on port %d", port)
	}
	if _, ok := f.hub.listeners[key]; ok {
		return nil, fmt.Errorf("verbs: address %s already in use", key)
	}
	l := &loListener{hub: f.hub, fabric: f, key: key, port: port}
	f.hub.listeners[key] = l
	return l, nil
}

func (f *loFabric) NewConn() (Conn, error) {
	return &loConn{hub: f.hub, fabric: f}, nil
}

func (f *loFabric) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type loListener struct {
	hub    *Loopback
	fabric *loFabric
	key    string
	port   int
}

func (l *loListener) Port() int { return l.port }

func (l *loListener) Close() error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	delete(l.hub.listeners, l.key)
	return nil
}

type loDevice struct {
	hub *Loopback
}

func (d *loDevice) AllocPD() (ProtectionDomain, error) {
	return &loPD{hub: d.hub}, nil
}

func (d *loDevice) CreateCQ(depth int) (CompletionQueue, error) {
	return &loCQ{}, nil
}

type loPD struct {
	hub *Loopback
}

func (p *loPD) RegisterMemory(buf []byte, access Access) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: cannot register empty region")
	}
	return p.hub.register(buf, access), nil
}

func (p *loPD) DeregisterMemory(mr *MemoryRegion) error {
	return p.hub.deregister(mr)
}

func (p *loPD) Close() error { return nil }

type loCQ struct {
	mu    sync.Mutex
	items []WorkCompletion
}

func (q *loCQ) push(wc WorkCompletion) {
	q.mu.Lock()
	q.items = append(q.items, wc)
	q.mu.Unlock()
}

func (q *loCQ) Poll(wc []WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(wc, q.items)
	q.items = q.items[n:]
	return n, nil
}

func (q *loCQ) Close() error { return nil }

type loConn struct {
	hub    *Loopback
	fabric *loFabric

	mu      sync.Mutex
	ctx     interface{}
	qp      *loQP
	peer    *loConn
	dstHost string
	dstPort int
	closed  bool
}

func (c *loConn) Device() Device { return c.hub.device }

func (c *loConn) Context() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *loConn) SetContext(ctx interface{}) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *loConn) ResolveAddr(srcHost, host string, port int, timeout time.Duration) error {
	c.mu.Lock()
	c.dstHost, c.dstPort = host, port
	c.mu.Unlock()
	c.fabric.deliver(Event{Type: EventAddrResolved, Conn: c})
	return nil
}

func (c *loConn) ResolveRoute(timeout time.Duration) error {
	c.fabric.deliver(Event{Type: EventRouteResolved, Conn: c})
	return nil
}

func (c *loConn) Connect(privateData []byte) error {
	key := fmt.Sprintf("%s:%d", c.dstHost, c.dstPort)
	c.hub.mu.Lock()
	l, ok := c.hub.listeners[key]
	c.hub.mu.Unlock()
	if !ok {
		c.fabric.deliver(Event{Type: EventRejected, Conn: c})
		return nil
	}
	sc := &loConn{hub: c.hub, fabric: l.fabric, peer: c}
	c.mu.Lock()
	c.peer = sc
	c.mu.Unlock()
	data := append([]byte(nil), privateData...)
	l.fabric.deliver(Event{Type: EventConnectRequest, Conn: sc, PrivateData: data})
	return nil
}

func (c *loConn) Accept(privateData []byte) error {
	c.mu.Lock()
	peer := c.peer
	qp := c.qp
	c.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("verbs: accept without pending connect")
	}
	peer.mu.Lock()
	pqp := peer.qp
	peer.mu.Unlock()
	if qp == nil || pqp == nil {
		return fmt.Errorf("verbs: accept before queue pairs exist")
	}
	qp.setPeer(pqp)
	pqp.setPeer(qp)
	data := append([]byte(nil), privateData...)
	c.fabric.deliver(Event{Type: EventEstablished, Conn: c})
	peer.fabric.deliver(Event{Type: EventEstablished, Conn: peer, PrivateData: data})
	return nil
}

func (c *loConn) Disconnect() error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	c.fabric.deliver(Event{Type: EventDisconnected, Conn: c})
	if peer != nil {
		peer.fabric.deliver(Event{Type: EventDisconnected, Conn: peer})
	}
	return nil
}

func (c *loConn) CreateQP(pd ProtectionDomain, cq CompletionQueue, cap QPCap) (QueuePair, error) {
	lcq, ok := cq.(*loCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign completion queue")
	}
	qp := &loQP{hub: c.hub, cq: lcq, rx: make(chan loRecvWR, cap.MaxRecvWR)}
	c.mu.Lock()
	c.qp = qp
	c.mu.Unlock()
	return qp, nil
}

func (c *loConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.qp = nil
	c.mu.Unlock()
	return nil
}

type loRecvWR struct {
	id  uint64
	sge SGE
}

type loQP struct {
	hub *Loopback
	cq  *loCQ
	rx  chan loRecvWR

	peerMu sync.Mutex
	peer   *loQP

	postMu sync.Mutex
}

func (q *loQP) setPeer(p *loQP) {
	q.peerMu.Lock()
	q.peer = p
	q.peerMu.Unlock()
}

func (q *loQP) peerQP() (*loQP, error) {
	q.peerMu.Lock()
	defer q.peerMu.Unlock()
	if q.peer == nil {
		return nil, fmt.Errorf("verbs: queue pair not connected")
	}
	return q.peer, nil
}

func (q *loQP) PostRecv(wrID uint64, sge SGE) error {
	select {
	case q.rx <- loRecvWR{id: wrID, sge: sge}:
		return nil
	default:
		return fmt.Errorf("verbs: receive queue full")
	}
}

func (q *loQP) takePeerRecv(p *loQP) (loRecvWR, error) {
	select {
	case wr := <-p.rx:
		return wr, nil
	case <-time.After(30 * time.Second):
		return loRecvWR{}, fmt.Errorf("verbs: peer receive queue drained (rnr)")
	}
}

func (q *loQP) PostSendImm(wrID uint64, sge SGE, imm uint32) error {
	q.postMu.Lock()
	defer q.postMu.Unlock()
	p, err := q.peerQP()
	if err != nil {
		return err
	}
	src, err := q.hub.resolve(sge.Addr, sge.Length, sge.LKey, false)
	if err != nil {
		return err
	}
	wr, err := q.takePeerRecv(p)
	if err != nil {
		return err
	}
	if uint32(len(src)) > wr.sge.Length {
		return fmt.Errorf("verbs: send of %d bytes overruns %d-byte receive", len(src), wr.sge.Length)
	}
	dst, err := q.hub.resolve(wr.sge.Addr, uint32(len(src)), wr.sge.LKey, false)
	if err != nil {
		return err
	}
	copy(dst, src)
	p.cq.push(WorkCompletion{WRID: wr.id, Opcode: OpRecv, ByteLen: uint32(len(src)), Imm: imm, HasImm: true})
	q.cq.push(WorkCompletion{WRID: wrID, Opcode: OpSend, ByteLen: uint32(len(src))})
	return nil
}

func (q *loQP) PostWrite(sge SGE, remoteAddr uint64, rkey uint32) error {
	q.postMu.Lock()
	defer q.postMu.Unlock()
	if sge.Length == 0 {
		return nil
	}
	src, err := q.hub.resolve(sge.Addr, sge.Length, sge.LKey, false)
	if err != nil {
		return err
	}
	dst, err := q.hub.resolve(remoteAddr, sge.Length, rkey, true)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (q *loQP) PostWriteImm(wrID uint64, sge SGE, remoteAddr uint64, rkey uint32, imm uint32) error {
	q.postMu.Lock()
	defer q.postMu.Unlock()
	p, err := q.peerQP()
	if err != nil {
		return err
	}
	if sge.Length > 0 {
		src, err := q.hub.resolve(sge.Addr, sge.Length, sge.LKey, false)
		if err != nil {
			return err
		}
		dst, err := q.hub.resolve(remoteAddr, sge.Length, rkey, true)
		if err != nil {
			return err
		}
		copy(dst, src)
	}
	// a write with immediate consumes one posted receive at the peer
	wr, err := q.takePeerRecv(p)
	if err != nil {
		return err
	}
	p.cq.push(WorkCompletion{WRID: wr.id, Opcode: OpRecvRDMAImm, ByteLen: sge.Length, Imm: imm, HasImm: true})
	q.cq.push(WorkCompletion{WRID: wrID, Opcode: OpRDMAWrite, ByteLen: sge.Length})
	return nil
}

func (q *loQP) Close() error { return nil }
