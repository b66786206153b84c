package van

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/internal/telemetry"
	"github.com/bytedance/ps-lite/pkg/verbs"
)

const (
	resolveTimeout = 500 * time.Millisecond
	retrySleep     = 500 * time.Millisecond
	connectWait    = 30 * time.Second

	// breather between empty completion-queue polls
	cqIdleSleep = 10 * time.Microsecond
)

// recvNotification hands one landed message from the CQ poller to
// RecvMsg.
type recvNotification struct {
	ep   *Endpoint
	bctx *BufferContext
}

// Van moves push/pull messages between nodes: it owns the pollers, the
// mempools, the endpoint table and the receive hand-off queue.
type Van struct {
	node   Node
	fabric verbs.Fabric
	logger *zap.Logger

	startMu sync.Mutex
	started bool
	stop    atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// touched only from the event poller goroutine
	cqStarted bool

	device   verbs.Device
	pd       verbs.ProtectionDomain
	cq       verbs.CompletionQueue
	listener verbs.Listener

	sendPool *Mempool
	recvPool *Mempool
	addrPool *AddressPool
	wrTab    *wrTable

	epMu      sync.Mutex
	endpoints map[int]*Endpoint
	incoming  []*Endpoint

	recvCh chan recvNotification

	disableIPC bool
	localMu    sync.Mutex
	isLocal    map[int]bool

	// registered application buffers, keyed by base address; shared by
	// every transport of this van
	memMu sync.Mutex
	memMR map[*byte]*regSegment

	// server-side tensor records: (key, sender) -> (len, addr, rkey)
	infoMu     sync.Mutex
	tensorInfo map[uint64]map[int]tensorInfo

	// rendezvous caches; the pending tables share addrMu with the caches
	// so a reply racing the send path cannot lose an update
	addrMu      sync.Mutex
	pushAddr    map[uint64]map[int]remoteTuple
	pullAddr    map[uint64]map[int]remoteTuple
	msgbufCache map[uint64]pendingInfo
	pendingBufs map[uint64]*MessageBuffer

	nextToken atomic.Uint64
}

type pendingInfo struct {
	key    uint64
	isPush bool
	recver int
}

// New creates a van for the given node over the given fabric. A set
// DMLC_ROLE overrides the node's role tag.
func New(fabric verbs.Fabric, node Node, logger *zap.Logger) *Van {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s := os.Getenv("DMLC_ROLE"); s != "" {
		if role, err := ParseRole(s); err == nil {
			node.Role = role
		}
	}
	return &Van{
		node:        node,
		fabric:      fabric,
		logger:      logger,
		endpoints:   make(map[int]*Endpoint),
		isLocal:     make(map[int]bool),
		memMR:       make(map[*byte]*regSegment),
		tensorInfo:  make(map[uint64]map[int]tensorInfo),
		pushAddr:    make(map[uint64]map[int]remoteTuple),
		pullAddr:    make(map[uint64]map[int]remoteTuple),
		msgbufCache: make(map[uint64]pendingInfo),
		pendingBufs: make(map[uint64]*MessageBuffer),
		addrPool:    NewAddressPool(addrPoolCapacity),
		wrTab:       newWRTable(),
	}
}

// Node returns the van's own node record.
func (v *Van) Node() Node { return v.node }

// Start spawns the control-event poller and prepares the van for
// connections.
func (v *Van) Start(customerID int) error {
	v.startMu.Lock()
	defer v.startMu.Unlock()
	if v.started {
		return nil
	}
	if len(v.node.Hostname) >= maxHostnameLen {
		return fmt.Errorf("van: hostname %q exceeds %d bytes", v.node.Hostname, maxHostnameLen-1)
	}

	v.disableIPC = envInt("BYTEPS_ENABLE_IPC", 0) == 0
	if v.disableIPC {
		v.logger.Info("shared memory ipc disabled")
	}

	v.stop.Store(false)
	v.stopCh = make(chan struct{})
	v.recvCh = make(chan recvNotification, addrPoolCapacity)

	v.wg.Add(1)
	go v.pollEvents()

	v.started = true
	return nil
}

// Bind creates the listener on the node's port, retrying with random
// high ports on conflict. It returns the bound port, or -1 after
// maxRetry+1 failed attempts.
func (v *Van) Bind(maxRetry int) int {
	bindHost := os.Getenv("DMLC_NODE_HOST")
	if bindHost != "" {
		v.logger.Info("binding to DMLC_NODE_HOST", zap.String("host", bindHost))
	}
	port := v.node.Port
	for i := 0; i <= maxRetry; i++ {
		if port > 0 {
			l, err := v.fabric.Listen(bindHost, port, listenBacklog)
			if err == nil {
				v.listener = l
				v.node.Port = port
				return port
			}
			v.logger.Warn("bind failed", zap.Int("port", port), zap.Error(err))
		}
		if i == maxRetry {
			port = -1
		} else {
			port = 10000 + rand.Intn(40000)
		}
	}
	return port
}

// Connect idempotently (re)builds the endpoint toward node and blocks
// until it is connected, retrying rejected attempts with a fresh
// connection identifier every 500ms.
func (v *Van) Connect(node Node) error {
	if node.ID == EmptyID || node.Port <= 0 || node.Hostname == "" {
		return fmt.Errorf("van: connect to malformed node %+v", node)
	}
	v.logger.Info("connecting", zap.Int("node", node.ID), zap.String("host", node.Hostname), zap.Int("port", node.Port))

	// workers never talk to other workers, nor servers to servers
	if node.Role == v.node.Role && node.ID != v.node.ID {
		return nil
	}

	v.localMu.Lock()
	local := !v.disableIPC && node.Hostname == v.node.Hostname
	v.isLocal[node.ID] = local
	v.localMu.Unlock()
	if local {
		v.logger.Info("ipc enabled for peer", zap.Int("node", node.ID))
	}

	ep := newEndpoint()
	ep.SetNodeID(node.ID)
	v.epMu.Lock()
	v.endpoints[node.ID] = ep
	v.epMu.Unlock()

	// a rebuilt connection invalidates every landing the peer handed us
	v.clearRemoteInfo(node.ID)

	srcHost := os.Getenv("DMLC_NODE_HOST")
	if srcHost != "" {
		v.logger.Info("resolving from DMLC_NODE_HOST", zap.String("host", srcHost))
	}

	for ep.Status() != StatusConnected {
		ep.setStatus(StatusConnecting)

		if ep.conn != nil {
			_ = ep.conn.Close()
			ep.conn = nil
		}
		conn, err := v.fabric.NewConn()
		if err != nil {
			return fmt.Errorf("van: create connection identifier: %w", err)
		}
		conn.SetContext(ep)
		ep.conn = conn

		if err := conn.ResolveAddr(srcHost, node.Hostname, node.Port, resolveTimeout); err != nil {
			return fmt.Errorf("van: resolve %s:%d: %w", node.Hostname, node.Port, err)
		}

		if ep.waitLeaving(StatusConnecting, connectWait) == StatusConnected {
			break
		}
		time.Sleep(retrySleep)
	}
	return nil
}

// SendMsg registers and packs msg, then routes it to a one-sided write
// when the remote landing is cached, or opens a rendezvous otherwise.
// It returns the packed metadata plus payload size.
func (v *Van) SendMsg(msg *Message) (int, error) {
	remoteID := msg.Meta.Recver
	if remoteID == EmptyID {
		return 0, fmt.Errorf("van: message without receiver")
	}
	v.epMu.Lock()
	ep := v.endpoints[remoteID]
	v.epMu.Unlock()
	if ep == nil {
		return 0, fmt.Errorf("van: no endpoint for node %d", remoteID)
	}
	trans := ep.Transport()
	if trans == nil {
		return 0, fmt.Errorf("van: node %d not connected", remoteID)
	}

	if len(msg.Data) > maxDataFields {
		fatalf("van: message carries %d data fields, protocol limit is %d", len(msg.Data), maxDataFields)
	}
	trans.RegisterMemory(msg)

	msg.Meta.DataSize = msg.DataSize()
	msg.Meta.DataLens = msg.Meta.DataLens[:0]
	for _, d := range msg.Data {
		msg.Meta.DataLens = append(msg.Meta.DataLens, len(d))
	}

	if IsValidPushpull(msg) {
		trans.AddMeta(msg)
		v.packWorkerTensorAddress(msg)
	}

	metaLen := PackMetaLen(&msg.Meta)
	if metaLen > maxMetaBound {
		fatalf("van: packed meta of %d bytes exceeds bound %d", metaLen, maxMetaBound)
	}
	msgBuf := &MessageBuffer{
		inline:    v.sendPool.Alloc(metaLen),
		inlineLen: metaLen,
		data:      msg.Data,
		token:     v.nextToken.Add(1),
	}
	PackMeta(&msg.Meta, msgBuf.inline.B)

	totalLen := metaLen + msg.Meta.DataSize
	telemetry.MessagesSent.WithLabelValues(flowLabel(msg)).Inc()
	telemetry.BytesSent.Add(float64(totalLen))

	if !IsValidPushpull(msg) {
		// control traffic always rendezvouses; nothing is cached for it
		telemetry.Rendezvous.Inc()
		trans.SendRendezvousBegin(msg, msgBuf)
		return totalLen, nil
	}

	trans.PrepareData(msg, msgBuf)

	key := msg.Meta.Key
	isPush := msg.Meta.Push
	if !v.hasRemoteInfo(msgBuf, key, isPush, remoteID) {
		telemetry.Rendezvous.Inc()
		trans.SendRendezvousBegin(msg, msgBuf)
		return totalLen, nil
	}

	rt := v.remoteInfo(key, isPush, remoteID)
	switch {
	case msg.Meta.Push && msg.Meta.Request:
		trans.SendPushRequest(msg, msgBuf, rt)
	case msg.Meta.Push && !msg.Meta.Request:
		trans.SendPushResponse(msg, msgBuf, rt)
	case !msg.Meta.Push && msg.Meta.Request:
		trans.SendPullRequest(msg, msgBuf, rt)
	default:
		trans.SendPullResponse(msg, msgBuf, rt)
	}
	return totalLen, nil
}

// RecvMsg blocks on the receive hand-off queue and rebuilds the next
// message. It returns the number of bytes consumed.
func (v *Van) RecvMsg(msg *Message) (int, error) {
	notification, ok := <-v.recvCh
	if !ok {
		return 0, fmt.Errorf("van: stopped")
	}
	ep := notification.ep
	bctx := notification.bctx

	msg.Data = nil
	msg.Meta = Meta{}
	if err := UnpackMeta(bctx.buffer.B[:bctx.metaLen], &msg.Meta); err != nil {
		fatalf("van: %v", err)
	}
	msg.Meta.Recver = v.node.ID
	msg.Meta.Sender = ep.nodeID

	metaLen := PackMetaLen(&msg.Meta)
	total := metaLen

	trans := ep.Transport()
	if trans == nil {
		fatalf("van: message from node %d without transport", ep.nodeID)
	}

	if !IsValidPushpull(msg) {
		// control landings are one-shot: release the slot and the buffer
		v.addrPool.Release(bctx.idx)
		bctx.buffer.Release()
		telemetry.MessagesReceived.WithLabelValues("control").Inc()
		telemetry.BytesReceived.Add(float64(total))
		return total, nil
	}

	switch {
	case msg.Meta.Push && msg.Meta.Request:
		total += trans.RecvPushRequest(msg, bctx, metaLen)
		v.storeWorkerTensorAddress(msg)
	case !msg.Meta.Push && msg.Meta.Request:
		total += trans.RecvPullRequest(msg, bctx, metaLen)
	case msg.Meta.Push && !msg.Meta.Request:
		total += trans.RecvPushResponse(msg, bctx, metaLen)
	default:
		total += trans.RecvPullResponse(msg, bctx, metaLen)
	}
	telemetry.MessagesReceived.WithLabelValues(flowLabel(msg)).Inc()
	telemetry.BytesReceived.Add(float64(total))
	return total, nil
}

// Stop joins the pollers and tears the fabric state down in a fixed
// order: pollers, endpoints and their queue pairs, completion queue,
// mempools, protection domain, listener.
func (v *Van) Stop() {
	v.startMu.Lock()
	defer v.startMu.Unlock()
	if !v.started {
		return
	}
	v.logger.Info("van stopping", zap.Int("node", v.node.ID))

	v.stop.Store(true)
	close(v.stopCh)
	v.wg.Wait()
	close(v.recvCh)

	v.epMu.Lock()
	eps := make([]*Endpoint, 0, len(v.endpoints)+len(v.incoming))
	for _, ep := range v.endpoints {
		eps = append(eps, ep)
	}
	eps = append(eps, v.incoming...)
	v.endpoints = make(map[int]*Endpoint)
	v.incoming = nil
	v.epMu.Unlock()

	for _, ep := range eps {
		if t := ep.Transport(); t != nil {
			t.Close()
		}
		ep.destroy(v, v.pd)
	}

	v.memMu.Lock()
	for _, seg := range v.memMR {
		if v.pd != nil {
			_ = v.pd.DeregisterMemory(seg.mr)
		}
	}
	v.memMR = make(map[*byte]*regSegment)
	v.memMu.Unlock()

	if v.cq != nil {
		_ = v.cq.Close()
		v.cq = nil
	}
	if v.sendPool != nil {
		_ = v.sendPool.Close()
		v.sendPool = nil
	}
	if v.recvPool != nil {
		_ = v.recvPool.Close()
		v.recvPool = nil
	}
	if v.pd != nil {
		_ = v.pd.Close()
		v.pd = nil
	}
	if v.listener != nil {
		_ = v.listener.Close()
		v.listener = nil
	}
	v.device = nil
	v.cqStarted = false
	v.started = false
}

// initDevice lazily sets up the protection domain, completion queue and
// mempools; the first connection wins.
func (v *Van) initDevice(dev verbs.Device) {
	if v.device != nil {
		return
	}
	v.device = dev

	pd, err := dev.AllocPD()
	if err != nil {
		fatalf("van: allocate protection domain: %v", err)
	}
	v.pd = pd

	cq, err := dev.CreateCQ(maxConcurrentWR * 2)
	if err != nil {
		fatalf("van: create completion queue: %v", err)
	}
	v.cq = cq

	if v.sendPool, err = NewMempool(pd); err != nil {
		fatalf("van: send mempool: %v", err)
	}
	if v.recvPool, err = NewMempool(pd); err != nil {
		fatalf("van: recv mempool: %v", err)
	}
}

func (v *Van) requestContext() []byte {
	rc := requestContext{
		Node:     uint32(v.node.ID),
		Port:     uint16(v.node.Port),
		Hostname: v.node.Hostname,
	}
	return rc.marshal()
}

// pollEvents drains the connection-manager event stream and drives the
// per-endpoint state machines.
func (v *Van) pollEvents() {
	defer v.wg.Done()
	events := v.fabric.Events()
	for {
		select {
		case <-v.stopCh:
			return
		case ev := <-events:
			telemetry.ConnectionEvents.WithLabelValues(ev.Type.String()).Inc()
			switch ev.Type {
			case verbs.EventConnectRequest:
				v.onConnectRequest(ev)
			case verbs.EventAddrResolved:
				if err := ev.Conn.ResolveRoute(resolveTimeout); err != nil {
					fatalf("van: resolve route: %v", err)
				}
			case verbs.EventRouteResolved:
				v.onRouteResolved(ev)
			case verbs.EventEstablished:
				v.onConnected(ev)
			case verbs.EventRejected:
				v.onRejected(ev)
			case verbs.EventDisconnected:
				v.onDisconnected(ev)
			case verbs.EventAddrError, verbs.EventRouteError:
				fatalf("van: address resolution failed: %s", ev.Type)
			default:
				fatalf("van: unknown cm event %d", ev.Type)
			}
		}
	}
}

func (v *Van) onConnectRequest(ev verbs.Event) {
	var rc requestContext
	if err := rc.unmarshal(ev.PrivateData); err != nil {
		fatalf("van: %v", err)
	}

	ep := newEndpoint()
	ep.SetNodeID(int(rc.Node))
	ep.conn = ev.Conn
	ev.Conn.SetContext(ep)

	v.epMu.Lock()
	v.incoming = append(v.incoming, ep)
	v.epMu.Unlock()

	v.initDevice(ev.Conn.Device())
	if err := ep.Init(v, v.cq, v.pd); err != nil {
		fatalf("van: init endpoint for node %d: %v", rc.Node, err)
	}

	ep.setTransport(v.newTransport(ep, v.recvPool))

	if err := ev.Conn.Accept(v.requestContext()); err != nil {
		fatalf("van: accept from node %d: %v", rc.Node, err)
	}
}

func (v *Van) onRouteResolved(ev verbs.Event) {
	ep, _ := ev.Conn.Context().(*Endpoint)
	if ep == nil {
		fatalf("van: route resolved on unknown connection")
	}
	v.initDevice(ev.Conn.Device())
	if err := ep.Init(v, v.cq, v.pd); err != nil {
		fatalf("van: init endpoint for node %d: %v", ep.nodeID, err)
	}
	if err := ev.Conn.Connect(v.requestContext()); err != nil {
		fatalf("van: connect to node %d: %v", ep.nodeID, err)
	}
}

func (v *Van) onConnected(ev verbs.Event) {
	ep, _ := ev.Conn.Context().(*Endpoint)
	if ep == nil {
		fatalf("van: established on unknown connection")
	}
	if !v.cqStarted {
		v.cqStarted = true
		v.wg.Add(1)
		go v.pollCQ()
	}
	// dialing endpoints get their transport here, before any waiter can
	// observe the connected state; accepted ones already have one
	if ep.Transport() == nil {
		ep.setTransport(v.newTransport(ep, v.sendPool))
	}
	ep.setStatus(StatusConnected)
	if ep.nodeID != v.node.ID {
		v.logger.Info("connected", zap.Int("node", ep.nodeID))
	}
}

func (v *Van) onRejected(ev verbs.Event) {
	ep, _ := ev.Conn.Context().(*Endpoint)
	if ep == nil {
		fatalf("van: rejected on unknown connection")
	}
	v.logger.Warn("connection rejected, retrying", zap.Int("node", ep.nodeID))
	ep.setStatus(StatusRejected)
}

func (v *Van) onDisconnected(ev verbs.Event) {
	ep, _ := ev.Conn.Context().(*Endpoint)
	if ep == nil {
		return
	}
	ep.setStatus(StatusIdle)
	v.logger.Info("disconnected", zap.Int("node", ep.nodeID))
}

func (v *Van) newTransport(ep *Endpoint, pool *Mempool) Transport {
	v.localMu.Lock()
	local := v.isLocal[ep.nodeID]
	v.localMu.Unlock()
	if local {
		return newIPCTransport(v, ep, pool, v.logger)
	}
	return newRDMATransport(v, ep, pool)
}

// pollCQ drains the shared completion queue in batches and dispatches
// each completion until the van stops.
func (v *Van) pollCQ() {
	defer v.wg.Done()
	wcs := make([]verbs.WorkCompletion, maxConcurrentWR)
	for !v.stop.Load() {
		n, err := v.cq.Poll(wcs)
		if err != nil {
			fatalf("van: poll cq: %v", err)
		}
		if n == 0 {
			time.Sleep(cqIdleSleep)
			continue
		}
		for i := 0; i < n; i++ {
			v.handleCompletion(&wcs[i])
		}
	}
}

func (v *Van) handleCompletion(wc *verbs.WorkCompletion) {
	if wc.Status != verbs.StatusSuccess {
		fatalf("van: work completion failed: wr %d opcode %s", wc.WRID, wc.Opcode)
	}
	ctx := v.wrTab.lookup(wc.WRID)
	if ctx == nil || ctx.ep == nil {
		fatalf("van: completion for unknown work request %d", wc.WRID)
	}
	ep := ctx.ep
	telemetry.Completions.WithLabelValues(wc.Opcode.String()).Inc()

	switch wc.Opcode {
	case verbs.OpSend:
		v.releaseWRContext(ctx)

	case verbs.OpRDMAWrite:
		msgBuf := ctx.msgBuf
		if msgBuf == nil {
			fatalf("van: write completion without message buffer")
		}
		ctx.msgBuf = nil
		msgBuf.inline.Release()
		v.releaseWRContext(ctx)

	case verbs.OpRecvRDMAImm:
		bctx := v.addrPool.Get(wc.Imm)
		select {
		case v.recvCh <- recvNotification{ep: ep, bctx: bctx}:
		case <-v.stopCh:
			return
		}
		v.releaseWRContext(ctx)

	case verbs.OpRecv:
		if !wc.HasImm {
			fatalf("van: receive completion without immediate")
		}
		trans := ep.Transport()
		if trans == nil {
			fatalf("van: receive on node %d without transport", ep.nodeID)
		}
		switch wc.Imm {
		case immRendezvousStart:
			var req rendezvousStart
			req.unmarshal(ctx.buf)
			trans.SendRendezvousReply(&req)
		case immRendezvousReply:
			var resp rendezvousReply
			resp.unmarshal(ctx.buf)
			msgBuf := v.takePending(resp.OriginAddr)
			if msgBuf == nil {
				fatalf("van: rendezvous reply for unknown origin %d", resp.OriginAddr)
			}
			// cache the landing first so no second rendezvous can start
			// for this key while the write is in flight
			v.storeRemoteInfo(msgBuf.token, resp.Addr, resp.RKey, resp.Idx)
			trans.RDMAWriteWithImm(msgBuf, resp.Addr, resp.RKey, resp.Idx)
		default:
			fatalf("van: unknown rendezvous immediate %d", wc.Imm)
		}
		v.releaseWRContext(ctx)

	default:
		fatalf("van: unexpected completion opcode %d", wc.Opcode)
	}
}

func (v *Van) releaseWRContext(ctx *WRContext) {
	switch ctx.kind {
	case wrRendezvousStart:
		ctx.ep.freeStart <- ctx
	case wrRendezvousReply:
		ctx.ep.freeReply <- ctx
	case wrWrite:
		ctx.ep.freeWrite <- ctx
	case wrReceive:
		ctx.ep.PostRecv(ctx)
	default:
		fatalf("van: unknown work-request kind %d", ctx.kind)
	}
}

// regSegment is one registered application buffer.
type regSegment struct {
	buf []byte
	mr  *verbs.MemoryRegion
}

// registerMemory registers each non-empty data field idempotently,
// keyed by its base address, for the lifetime of the van.
func (v *Van) registerMemory(msg *Message) {
	for _, sa := range msg.Data {
		if len(sa) == 0 {
			continue
		}
		v.memMu.Lock()
		if _, ok := v.memMR[&sa[0]]; !ok {
			mr, err := v.pd.RegisterMemory(sa, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
			if err != nil {
				fatalf("van: memory registration of %d bytes: %v", len(sa), err)
			}
			v.memMR[&sa[0]] = &regSegment{buf: sa, mr: mr}
		}
		v.memMu.Unlock()
	}
}

func (v *Van) segment(b []byte) *regSegment {
	v.memMu.Lock()
	defer v.memMu.Unlock()
	return v.memMR[&b[0]]
}

// segmentAt finds the registered segment covering [addr, addr+n).
func (v *Van) segmentAt(addr uint64, n int) []byte {
	v.memMu.Lock()
	defer v.memMu.Unlock()
	for _, seg := range v.memMR {
		base := seg.mr.Addr
		if addr >= base && addr+uint64(n) <= base+uint64(len(seg.buf)) {
			off := addr - base
			return seg.buf[off : off+uint64(n)]
		}
	}
	return nil
}

// packWorkerTensorAddress copies the stored tensor record into an
// outgoing pull response so the worker recognizes the pre-agreed
// landing.
func (v *Van) packWorkerTensorAddress(msg *Message) {
	if msg.Meta.Push || msg.Meta.Request {
		return
	}
	key := msg.Meta.Key
	recver := msg.Meta.Recver
	v.infoMu.Lock()
	defer v.infoMu.Unlock()
	ti, ok := v.tensorInfo[key][recver]
	if !ok {
		fatalf("van: no tensor record for key %d recver %d", key, recver)
	}
	msg.Meta.ValLen = ti.length
	msg.Meta.Addr = ti.addr
	msg.Meta.Option = ti.rkey
}

// storeWorkerTensorAddress records (len, addr, rkey) from the first push
// of (key, sender); later pushes must match exactly.
func (v *Van) storeWorkerTensorAddress(msg *Message) {
	key := msg.Meta.Key
	sender := msg.Meta.Sender
	ti := tensorInfo{length: msg.Meta.ValLen, addr: msg.Meta.Addr, rkey: msg.Meta.Option}

	v.infoMu.Lock()
	defer v.infoMu.Unlock()
	m := v.tensorInfo[key]
	if m == nil {
		m = make(map[int]tensorInfo)
		v.tensorInfo[key] = m
	}
	prev, ok := m[sender]
	if !ok {
		m[sender] = ti
		return
	}
	if prev != ti {
		fatalf("van: tensor record changed for key %d sender %d: %+v -> %+v", key, sender, prev, ti)
	}
}

// hasRemoteInfo reports whether the landing for (key, direction, peer)
// is cached. On a miss it remembers the message buffer so the reply can
// populate the cache.
func (v *Van) hasRemoteInfo(msgBuf *MessageBuffer, key uint64, isPush bool, recver int) bool {
	v.addrMu.Lock()
	defer v.addrMu.Unlock()
	cache := v.pullAddr
	if isPush {
		cache = v.pushAddr
	}
	if _, ok := cache[key][recver]; ok {
		return true
	}
	v.msgbufCache[msgBuf.token] = pendingInfo{key: key, isPush: isPush, recver: recver}
	return false
}

// trackPending registers an in-flight rendezvous origin token.
func (v *Van) trackPending(msgBuf *MessageBuffer) {
	v.addrMu.Lock()
	v.pendingBufs[msgBuf.token] = msgBuf
	v.addrMu.Unlock()
}

func (v *Van) takePending(token uint64) *MessageBuffer {
	v.addrMu.Lock()
	defer v.addrMu.Unlock()
	msgBuf := v.pendingBufs[token]
	delete(v.pendingBufs, token)
	return msgBuf
}

// storeRemoteInfo populates the address cache from a rendezvous reply;
// control messages have no cache entry and pass through.
func (v *Van) storeRemoteInfo(token uint64, addr uint64, rkey uint32, idx uint32) {
	v.addrMu.Lock()
	defer v.addrMu.Unlock()
	info, ok := v.msgbufCache[token]
	if !ok {
		return
	}
	cache := v.pullAddr
	if info.isPush {
		cache = v.pushAddr
	}
	m := cache[info.key]
	if m == nil {
		m = make(map[int]remoteTuple)
		cache[info.key] = m
	}
	m[info.recver] = remoteTuple{addr: addr, rkey: rkey, idx: idx}
	delete(v.msgbufCache, token)
}

// clearRemoteInfo drops every cached landing owned by the given peer;
// a reconnect starts from a fresh address cache.
func (v *Van) clearRemoteInfo(recver int) {
	v.addrMu.Lock()
	defer v.addrMu.Unlock()
	for _, m := range v.pushAddr {
		delete(m, recver)
	}
	for _, m := range v.pullAddr {
		delete(m, recver)
	}
}

func (v *Van) remoteInfo(key uint64, isPush bool, recver int) remoteTuple {
	v.addrMu.Lock()
	defer v.addrMu.Unlock()
	cache := v.pullAddr
	if isPush {
		cache = v.pushAddr
	}
	return cache[key][recver]
}

func flowLabel(msg *Message) string {
	if !IsValidPushpull(msg) {
		return "control"
	}
	switch {
	case msg.Meta.Push && msg.Meta.Request:
		return "push_request"
	case msg.Meta.Push && !msg.Meta.Request:
		return "push_response"
	case !msg.Meta.Push && msg.Meta.Request:
		return "pull_request"
	default:
		return "pull_response"
	}
}

// fatalf is the invariant-violation escape hatch: completion errors,
// pool overflows and protocol corruption mean the process state is
// unrecoverable.
func fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
