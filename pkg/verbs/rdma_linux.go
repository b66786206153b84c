//go:build linux && rdma

package verbs

/*
#cgo LDFLAGS: -libverbs -lrdmacm
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <fcntl.h>
#include <poll.h>
#include <arpa/inet.h>
#include <netinet/in.h>
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>

static int ps_set_nonblock(int fd) {
	int flags = fcntl(fd, F_GETFL);
	if (flags < 0) return -1;
	return fcntl(fd, F_SETFL, flags | O_NONBLOCK);
}

static int ps_poll_fd(int fd, int timeout_ms) {
	struct pollfd pfd = { .fd = fd, .events = POLLIN, .revents = 0 };
	return poll(&pfd, 1, timeout_ms);
}

static int ps_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, n, wc);
}

// Flattened work completion; ibv_wc keeps imm_data inside an anonymous
// union cgo cannot reach.
typedef struct {
	uint64_t wr_id;
	uint32_t byte_len;
	uint32_t imm;
	int      opcode;
	int      status;
	int      has_imm;
} ps_wc;

static void ps_wc_extract(struct ibv_wc *wc, ps_wc *out) {
	out->wr_id = wc->wr_id;
	out->byte_len = wc->byte_len;
	out->imm = wc->imm_data;
	out->opcode = wc->opcode;
	out->status = wc->status;
	out->has_imm = (wc->wc_flags & IBV_WC_WITH_IMM) ? 1 : 0;
}

// Connection parameters live in a union of rdma_cm_event as well.
static const void *ps_event_private_data(struct rdma_cm_event *ev) {
	return ev->param.conn.private_data;
}

static int ps_event_private_data_len(struct rdma_cm_event *ev) {
	return ev->param.conn.private_data_len;
}

static void ps_fill_sockaddr(struct sockaddr_in *sa, uint32_t host, int any, uint16_t port) {
	memset(sa, 0, sizeof(*sa));
	sa->sin_family = AF_INET;
	sa->sin_port = htons(port);
	sa->sin_addr.s_addr = any ? htonl(INADDR_ANY) : htonl(host);
}

static int ps_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
                        uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr, *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	return ibv_post_recv(qp, &wr, &bad_wr);
}

static int ps_post_send_imm(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
                            uint32_t length, uint32_t lkey, uint32_t imm) {
	struct ibv_sge sge;
	struct ibv_send_wr wr, *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = IBV_WR_SEND_WITH_IMM;
	wr.imm_data = imm;
	wr.send_flags = IBV_SEND_SIGNALED;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	return ibv_post_send(qp, &wr, &bad_wr);
}

static int ps_post_write(struct ibv_qp *qp, uint64_t addr, uint32_t length,
                         uint32_t lkey, uint64_t raddr, uint32_t rkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr, *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = 0;
	wr.opcode = IBV_WR_RDMA_WRITE;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;

	return ibv_post_send(qp, &wr, &bad_wr);
}

static int ps_post_write_imm(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
                             uint32_t length, uint32_t lkey, uint64_t raddr,
                             uint32_t rkey, uint32_t imm) {
	struct ibv_sge sge;
	struct ibv_send_wr wr, *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = IBV_WR_RDMA_WRITE_WITH_IMM;
	wr.imm_data = imm;
	wr.send_flags = IBV_SEND_SIGNALED;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;

	return ibv_post_send(qp, &wr, &bad_wr);
}
*/
import "C"

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"
)

const cmPollInterval = 10 // milliseconds

// rdmaFabric backs the Fabric interface with librdmacm: one event
// channel, one poller goroutine translating CM events.
type rdmaFabric struct {
	channel *C.struct_rdma_event_channel
	events  chan Event

	mu    sync.Mutex
	conns map[uintptr]*rdmaConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRDMAFabric opens the RDMA connection-manager event channel and
// starts draining it.
func NewRDMAFabric() (Fabric, error) {
	ch := C.rdma_create_event_channel()
	if ch == nil {
		return nil, fmt.Errorf("verbs: create rdma event channel failed")
	}
	if C.ps_set_nonblock(ch.fd) != 0 {
		C.rdma_destroy_event_channel(ch)
		return nil, fmt.Errorf("verbs: set event channel non-blocking failed")
	}
	f := &rdmaFabric{
		channel: ch,
		events:  make(chan Event, 1024),
		conns:   make(map[uintptr]*rdmaConn),
		stopCh:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.pollEvents()
	return f, nil
}

func (f *rdmaFabric) Events() <-chan Event { return f.events }

func (f *rdmaFabric) connFor(id *C.struct_rdma_cm_id) *rdmaConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[uintptr(unsafe.Pointer(id))]
}

func (f *rdmaFabric) track(c *rdmaConn) {
	f.mu.Lock()
	f.conns[uintptr(unsafe.Pointer(c.id))] = c
	f.mu.Unlock()
}

func (f *rdmaFabric) untrack(c *rdmaConn) {
	f.mu.Lock()
	delete(f.conns, uintptr(unsafe.Pointer(c.id)))
	f.mu.Unlock()
}

func (f *rdmaFabric) pollEvents() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}
		if C.ps_poll_fd(f.channel.fd, cmPollInterval) <= 0 {
			continue
		}
		var ev *C.struct_rdma_cm_event
		if C.rdma_get_cm_event(f.channel, &ev) != 0 {
			continue
		}
		f.translate(ev)
		C.rdma_ack_cm_event(ev)
	}
}

func (f *rdmaFabric) translate(ev *C.struct_rdma_cm_event) {
	var private []byte
	if data := C.ps_event_private_data(ev); data != nil {
		if n := C.ps_event_private_data_len(ev); n > 0 {
			private = C.GoBytes(unsafe.Pointer(data), n)
		}
	}

	switch ev.event {
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		// a fresh id owned by the passive side
		c := &rdmaConn{fabric: f, id: ev.id}
		f.track(c)
		f.deliver(Event{Type: EventConnectRequest, Conn: c, PrivateData: private})
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		f.forward(ev.id, EventAddrResolved, nil)
	case C.RDMA_CM_EVENT_ADDR_ERROR:
		f.forward(ev.id, EventAddrError, nil)
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		f.forward(ev.id, EventRouteResolved, nil)
	case C.RDMA_CM_EVENT_ROUTE_ERROR:
		f.forward(ev.id, EventRouteError, nil)
	case C.RDMA_CM_EVENT_ESTABLISHED:
		f.forward(ev.id, EventEstablished, private)
	case C.RDMA_CM_EVENT_REJECTED:
		f.forward(ev.id, EventRejected, nil)
	case C.RDMA_CM_EVENT_DISCONNECTED:
		f.forward(ev.id, EventDisconnected, nil)
	}
}

func (f *rdmaFabric) forward(id *C.struct_rdma_cm_id, t EventType, private []byte) {
	c := f.connFor(id)
	if c == nil {
		return
	}
	f.deliver(Event{Type: t, Conn: c, PrivateData: private})
}

func (f *rdmaFabric) deliver(ev Event) {
	select {
	case f.events <- ev:
	case <-f.stopCh:
	}
}

func (f *rdmaFabric) Listen(host string, port int, backlog int) (Listener, error) {
	var id *C.struct_rdma_cm_id
	if C.rdma_create_id(f.channel, &id, nil, C.RDMA_PS_TCP) != 0 {
		return nil, fmt.Errorf("verbs: create listener id failed")
	}
	addr, err := sockaddrIn(host, port)
	if err != nil {
		C.rdma_destroy_id(id)
		return nil, err
	}
	if C.rdma_bind_addr(id, (*C.struct_sockaddr)(unsafe.Pointer(&addr))) != 0 {
		C.rdma_destroy_id(id)
		return nil, fmt.Errorf("verbs: bind port %d failed", port)
	}
	if C.rdma_listen(id, C.int(backlog)) != 0 {
		C.rdma_destroy_id(id)
		return nil, fmt.Errorf("verbs: listen on port %d failed", port)
	}
	return &rdmaListener{id: id, port: port}, nil
}

func (f *rdmaFabric) NewConn() (Conn, error) {
	var id *C.struct_rdma_cm_id
	if C.rdma_create_id(f.channel, &id, nil, C.RDMA_PS_TCP) != 0 {
		return nil, fmt.Errorf("verbs: create connection id failed")
	}
	c := &rdmaConn{fabric: f, id: id}
	f.track(c)
	return c, nil
}

func (f *rdmaFabric) Close() error {
	close(f.stopCh)
	f.wg.Wait()
	C.rdma_destroy_event_channel(f.channel)
	return nil
}

type rdmaListener struct {
	id   *C.struct_rdma_cm_id
	port int
}

func (l *rdmaListener) Port() int { return l.port }

func (l *rdmaListener) Close() error {
	C.rdma_destroy_id(l.id)
	return nil
}

type rdmaConn struct {
	fabric *rdmaFabric
	id     *C.struct_rdma_cm_id

	mu  sync.Mutex
	ctx interface{}
}

func (c *rdmaConn) Context() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *rdmaConn) SetContext(ctx interface{}) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *rdmaConn) Device() Device {
	return &rdmaDevice{ctx: c.id.verbs}
}

func (c *rdmaConn) ResolveAddr(srcHost, host string, port int, timeout time.Duration) error {
	dst, err := sockaddrIn(host, port)
	if err != nil {
		return err
	}
	var src *C.struct_sockaddr
	if srcHost != "" {
		s, err := sockaddrIn(srcHost, 0)
		if err != nil {
			return err
		}
		src = (*C.struct_sockaddr)(unsafe.Pointer(&s))
	}
	if C.rdma_resolve_addr(c.id, src, (*C.struct_sockaddr)(unsafe.Pointer(&dst)), C.int(timeout.Milliseconds())) != 0 {
		return fmt.Errorf("verbs: resolve %s:%d failed", host, port)
	}
	return nil
}

func (c *rdmaConn) ResolveRoute(timeout time.Duration) error {
	if C.rdma_resolve_route(c.id, C.int(timeout.Milliseconds())) != 0 {
		return fmt.Errorf("verbs: resolve route failed")
	}
	return nil
}

func connParam(privateData []byte) (C.struct_rdma_conn_param, unsafe.Pointer) {
	var param C.struct_rdma_conn_param
	param.retry_count = 7
	param.rnr_retry_count = 7
	var data unsafe.Pointer
	if len(privateData) > 0 {
		data = C.CBytes(privateData)
		param.private_data = data
		param.private_data_len = C.uint8_t(len(privateData))
	}
	return param, data
}

func (c *rdmaConn) Connect(privateData []byte) error {
	param, data := connParam(privateData)
	defer C.free(data)
	if C.rdma_connect(c.id, &param) != 0 {
		return fmt.Errorf("verbs: rdma_connect failed")
	}
	return nil
}

func (c *rdmaConn) Accept(privateData []byte) error {
	param, data := connParam(privateData)
	defer C.free(data)
	if C.rdma_accept(c.id, &param) != 0 {
		return fmt.Errorf("verbs: rdma_accept failed")
	}
	return nil
}

func (c *rdmaConn) Disconnect() error {
	if C.rdma_disconnect(c.id) != 0 {
		return fmt.Errorf("verbs: rdma_disconnect failed")
	}
	return nil
}

func (c *rdmaConn) CreateQP(pd ProtectionDomain, cq CompletionQueue, cap QPCap) (QueuePair, error) {
	rpd, ok := pd.(*rdmaPD)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign protection domain")
	}
	rcq, ok := cq.(*rdmaCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: foreign completion queue")
	}
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = rcq.cq
	attr.recv_cq = rcq.cq
	attr.cap.max_send_wr = C.uint32_t(cap.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(cap.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(cap.MaxSendSGE)
	attr.cap.max_recv_sge = C.uint32_t(cap.MaxRecvSGE)
	attr.qp_type = C.enum_ibv_qp_type(C.IBV_QPT_RC)
	attr.sq_sig_all = 0

	if C.rdma_create_qp(c.id, rpd.pd, &attr) != 0 {
		return nil, fmt.Errorf("verbs: create queue pair failed")
	}
	return &rdmaQP{qp: c.id.qp}, nil
}

func (c *rdmaConn) Close() error {
	c.fabric.untrack(c)
	if c.id.qp != nil {
		C.rdma_destroy_qp(c.id)
	}
	C.rdma_destroy_id(c.id)
	return nil
}

type rdmaDevice struct {
	ctx *C.struct_ibv_context
}

func (d *rdmaDevice) AllocPD() (ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, fmt.Errorf("verbs: allocate protection domain failed")
	}
	return &rdmaPD{pd: pd, mrs: make(map[uint64]*C.struct_ibv_mr)}, nil
}

func (d *rdmaDevice) CreateCQ(depth int) (CompletionQueue, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("verbs: create completion queue failed")
	}
	wcs := (*C.struct_ibv_wc)(C.malloc(C.size_t(depth) * C.sizeof_struct_ibv_wc))
	return &rdmaCQ{cq: cq, wcs: wcs, depth: depth}, nil
}

type rdmaPD struct {
	pd *C.struct_ibv_pd

	mu  sync.Mutex
	mrs map[uint64]*C.struct_ibv_mr
}

func (p *rdmaPD) RegisterMemory(buf []byte, access Access) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: cannot register empty region")
	}
	var flags C.int
	if access&AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&AccessRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), flags)
	if mr == nil {
		return nil, fmt.Errorf("verbs: register %d-byte region failed", len(buf))
	}
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	p.mu.Lock()
	p.mrs[addr] = mr
	p.mu.Unlock()
	return &MemoryRegion{Addr: addr, Length: len(buf), LKey: uint32(mr.lkey), RKey: uint32(mr.rkey)}, nil
}

func (p *rdmaPD) DeregisterMemory(region *MemoryRegion) error {
	p.mu.Lock()
	mr := p.mrs[region.Addr]
	delete(p.mrs, region.Addr)
	p.mu.Unlock()
	if mr == nil {
		return fmt.Errorf("verbs: deregister of unknown region 0x%x", region.Addr)
	}
	if C.ibv_dereg_mr(mr) != 0 {
		return fmt.Errorf("verbs: deregister region 0x%x failed", region.Addr)
	}
	return nil
}

func (p *rdmaPD) Close() error {
	if C.ibv_dealloc_pd(p.pd) != 0 {
		return fmt.Errorf("verbs: deallocate protection domain failed")
	}
	return nil
}

type rdmaCQ struct {
	cq    *C.struct_ibv_cq
	wcs   *C.struct_ibv_wc
	depth int
}

func (q *rdmaCQ) Poll(wc []WorkCompletion) (int, error) {
	n := len(wc)
	if n > q.depth {
		n = q.depth
	}
	ne := int(C.ps_poll_cq(q.cq, C.int(n), q.wcs))
	if ne < 0 {
		return 0, fmt.Errorf("verbs: poll cq failed")
	}
	raw := unsafe.Slice(q.wcs, q.depth)
	var flat C.ps_wc
	for i := 0; i < ne; i++ {
		C.ps_wc_extract(&raw[i], &flat)
		out := &wc[i]
		out.WRID = uint64(flat.wr_id)
		out.ByteLen = uint32(flat.byte_len)
		out.Imm = uint32(flat.imm)
		out.HasImm = flat.has_imm != 0
		if int(flat.status) == int(C.IBV_WC_SUCCESS) {
			out.Status = StatusSuccess
		} else {
			out.Status = StatusError
		}
		switch int(flat.opcode) {
		case int(C.IBV_WC_SEND):
			out.Opcode = OpSend
		case int(C.IBV_WC_RDMA_WRITE):
			out.Opcode = OpRDMAWrite
		case int(C.IBV_WC_RECV):
			out.Opcode = OpRecv
		case int(C.IBV_WC_RECV_RDMA_WITH_IMM):
			out.Opcode = OpRecvRDMAImm
		default:
			out.Status = StatusError
		}
	}
	return ne, nil
}

func (q *rdmaCQ) Close() error {
	C.free(unsafe.Pointer(q.wcs))
	if C.ibv_destroy_cq(q.cq) != 0 {
		return fmt.Errorf("verbs: destroy completion queue failed")
	}
	return nil
}

type rdmaQP struct {
	qp *C.struct_ibv_qp
}

func (q *rdmaQP) PostRecv(wrID uint64, sge SGE) error {
	if C.ps_post_recv(q.qp, C.uint64_t(wrID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey)) != 0 {
		return fmt.Errorf("verbs: post recv failed")
	}
	return nil
}

func (q *rdmaQP) PostSendImm(wrID uint64, sge SGE, imm uint32) error {
	if C.ps_post_send_imm(q.qp, C.uint64_t(wrID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.uint32_t(imm)) != 0 {
		return fmt.Errorf("verbs: post send failed")
	}
	return nil
}

func (q *rdmaQP) PostWrite(sge SGE, remoteAddr uint64, rkey uint32) error {
	if C.ps_post_write(q.qp, C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.uint64_t(remoteAddr), C.uint32_t(rkey)) != 0 {
		return fmt.Errorf("verbs: post write failed")
	}
	return nil
}

func (q *rdmaQP) PostWriteImm(wrID uint64, sge SGE, remoteAddr uint64, rkey uint32, imm uint32) error {
	if C.ps_post_write_imm(q.qp, C.uint64_t(wrID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.uint64_t(remoteAddr), C.uint32_t(rkey), C.uint32_t(imm)) != 0 {
		return fmt.Errorf("verbs: post write with imm failed")
	}
	return nil
}

func (q *rdmaQP) Close() error { return nil }

// sockaddrIn builds an IPv4 sockaddr; an empty host means INADDR_ANY.
func sockaddrIn(host string, port int) (C.struct_sockaddr_in, error) {
	var sa C.struct_sockaddr_in
	if host == "" {
		C.ps_fill_sockaddr(&sa, 0, 1, C.uint16_t(port))
		return sa, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return sa, fmt.Errorf("verbs: resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
			C.ps_fill_sockaddr(&sa, C.uint32_t(addr), 0, C.uint16_t(port))
			return sa, nil
		}
	}
	return sa, fmt.Errorf("verbs: no ipv4 address for host %s", host)
}
