package van

import (
	"os"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

// Transport binds a sender/receiver pair to one endpoint. The RDMA
// variant moves payloads with one-sided writes; the IPC variant swaps
// the value transfer for shared memory while metadata keeps flowing over
// the RDMA path.
type Transport interface {
	RegisterMemory(msg *Message)
	AddMeta(msg *Message)
	PrepareData(msg *Message, buf *MessageBuffer)

	SendRendezvousBegin(msg *Message, buf *MessageBuffer)
	SendRendezvousReply(req *rendezvousStart)
	RDMAWriteWithImm(buf *MessageBuffer, remoteAddr uint64, rkey uint32, idx uint32)

	SendPushRequest(msg *Message, buf *MessageBuffer, rt remoteTuple)
	SendPushResponse(msg *Message, buf *MessageBuffer, rt remoteTuple)
	SendPullRequest(msg *Message, buf *MessageBuffer, rt remoteTuple)
	SendPullResponse(msg *Message, buf *MessageBuffer, rt remoteTuple)

	RecvPushRequest(msg *Message, bctx *BufferContext, metaLen int) int
	RecvPullRequest(msg *Message, bctx *BufferContext, metaLen int) int
	RecvPushResponse(msg *Message, bctx *BufferContext, metaLen int) int
	RecvPullResponse(msg *Message, bctx *BufferContext, metaLen int) int

	Close()
}

// rdmaTransport implements the rendezvous protocol and the four
// push/pull flows over one-sided writes.
type rdmaTransport struct {
	v        *Van
	ep       *Endpoint
	pool     *Mempool
	pagesize int
	isServer bool
}

func newRDMATransport(v *Van, ep *Endpoint, pool *Mempool) *rdmaTransport {
	return &rdmaTransport{
		v:        v,
		ep:       ep,
		pool:     pool,
		pagesize: os.Getpagesize(),
		isServer: v.node.Role == RoleServer,
	}
}

// RegisterMemory registers each non-empty data field once, keyed by its
// base address. The table is van-wide: a response can arrive on a
// different endpoint than the one the buffer was registered through.
func (t *rdmaTransport) RegisterMemory(msg *Message) {
	t.v.registerMemory(msg)
}

func (t *rdmaTransport) segment(b []byte) *regSegment {
	return t.v.segment(b)
}

// segmentAt finds the registered segment covering [addr, addr+n).
func (t *rdmaTransport) segmentAt(addr uint64, n int) []byte {
	return t.v.segmentAt(addr, n)
}

// AddMeta derives the key from the keys field and, for push requests,
// records where the values live so the server can answer pulls with a
// direct write.
func (t *rdmaTransport) AddMeta(msg *Message) {
	if msg.Meta.Request {
		msg.Meta.Key = decodeKey(msg.Data[0])
	}
	if msg.Meta.Push && msg.Meta.Request {
		if len(msg.Data) != 3 {
			fatalf("van: push request carries %d data fields, want 3", len(msg.Data))
		}
		vals := msg.Data[1]
		if len(vals) == 0 {
			msg.Meta.Addr = 0
			msg.Meta.ValLen = 0
			msg.Meta.Option = 0
			return
		}
		seg := t.segment(vals)
		if seg == nil {
			fatalf("van: push values not registered (key %d)", msg.Meta.Key)
		}
		msg.Meta.Addr = seg.mr.Addr
		msg.Meta.ValLen = len(vals)
		msg.Meta.Option = seg.mr.RKey
	}
}

// PrepareData captures the registered segments of a push request so the
// write path can point the value write straight at them.
func (t *rdmaTransport) PrepareData(msg *Message, buf *MessageBuffer) {
	if !(msg.Meta.Push && msg.Meta.Request) {
		return
	}
	for _, sa := range buf.data {
		if len(sa) == 0 {
			continue
		}
		seg := t.segment(sa)
		if seg == nil {
			fatalf("van: push data field not registered (key %d)", msg.Meta.Key)
		}
		buf.mrs = append(buf.mrs, mrSegment{addr: seg.mr.Addr, lkey: seg.mr.LKey, length: len(sa)})
	}
}

// SendRendezvousBegin posts the two-sided send that opens a rendezvous.
// It also reserves the write context the reply path will consume, so the
// completion-queue poller never blocks on the write free list.
func (t *rdmaTransport) SendRendezvousBegin(msg *Message, buf *MessageBuffer) {
	buf.reserved = <-t.ep.freeWrite
	ctx := <-t.ep.freeStart

	req := rendezvousStart{
		MetaLen:    uint64(buf.inlineLen),
		DataNum:    uint64(len(buf.data)),
		OriginAddr: buf.token,
	}
	for i, sa := range msg.Data {
		req.DataLen[i] = uint64(len(sa))
	}
	req.marshal(ctx.buf)

	t.v.trackPending(buf)

	err := t.ep.qp.PostSendImm(ctx.id, verbs.SGE{
		Addr:   ctx.mr.Addr,
		Length: rendezvousStartSize,
		LKey:   ctx.mr.LKey,
	}, immRendezvousStart)
	if err != nil {
		fatalf("van: rendezvous start to node %d: %v", t.ep.nodeID, err)
	}
}

// SendRendezvousReply allocates the landing area, parks it in the
// address pool and answers with its address, rkey and slot index.
func (t *rdmaTransport) SendRendezvousReply(req *rendezvousStart) {
	bctx := &BufferContext{
		metaLen: int(req.MetaLen),
		dataNum: int(req.DataNum),
	}
	total := int(req.MetaLen)
	for i := 0; i < bctx.dataNum; i++ {
		bctx.dataLen[i] = int(req.DataLen[i])
		total += int(req.DataLen[i])
	}

	// the worker only ever lands metadata here: pull-response values go
	// to the pre-agreed tensor address instead
	size := maxMetaBound + int(req.MetaLen)
	if t.isServer {
		size = maxMetaBound + total
	}
	chunk := t.pool.Alloc(size)
	bctx.buffer = chunk
	idx := t.v.addrPool.Store(bctx)

	ctx := <-t.ep.freeReply
	resp := rendezvousReply{
		Addr:       chunk.Addr(),
		OriginAddr: req.OriginAddr,
		RKey:       chunk.RemoteKey(),
		Idx:        idx,
	}
	resp.marshal(ctx.buf)

	err := t.ep.qp.PostSendImm(ctx.id, verbs.SGE{
		Addr:   ctx.mr.Addr,
		Length: rendezvousReplySize,
		LKey:   ctx.mr.LKey,
	}, immRendezvousReply)
	if err != nil {
		fatalf("van: rendezvous reply to node %d: %v", t.ep.nodeID, err)
	}
}

// RDMAWriteWithImm issues the one-sided transfer for one message: for a
// push request an unsignaled write of the values to the next page
// boundary past the metadata, then always exactly one signaled write of
// the packed metadata carrying the address-pool index. One signaled
// write per message bounds completion-queue traffic.
func (t *rdmaTransport) RDMAWriteWithImm(buf *MessageBuffer, remoteAddr uint64, rkey uint32, idx uint32) {
	writeCtx := buf.reserved
	if writeCtx == nil {
		writeCtx = <-t.ep.freeWrite
	}
	buf.reserved = nil

	switch len(buf.mrs) {
	case 3:
		// push request: values only; keys and lengths already ride in the
		// metadata
		vals := buf.mrs[1]
		err := t.ep.qp.PostWrite(verbs.SGE{
			Addr:   vals.addr,
			Length: uint32(vals.length),
			LKey:   vals.lkey,
		}, remoteAddr+uint64(alignCeil(buf.inlineLen, t.pagesize)), rkey)
		if err != nil {
			fatalf("van: value write to node %d: %v", t.ep.nodeID, err)
		}
	case 0, 2:
		// no value segment: either not a push request, or a zero-length
		// value whose empty field was never registered
	default:
		fatalf("van: unexpected %d registered segments", len(buf.mrs))
	}

	writeCtx.msgBuf = buf
	err := t.ep.qp.PostWriteImm(writeCtx.id, verbs.SGE{
		Addr:   buf.inline.Addr(),
		Length: uint32(buf.inlineLen),
		LKey:   buf.inline.LocalKey(),
	}, remoteAddr, rkey, idx)
	if err != nil {
		fatalf("van: meta write to node %d: %v", t.ep.nodeID, err)
	}
}

func (t *rdmaTransport) send(buf *MessageBuffer, rt remoteTuple) {
	t.RDMAWriteWithImm(buf, rt.addr, rt.rkey, rt.idx)
}

func (t *rdmaTransport) SendPushRequest(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	t.send(buf, rt)
}

func (t *rdmaTransport) SendPushResponse(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	t.send(buf, rt)
}

func (t *rdmaTransport) SendPullRequest(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	t.send(buf, rt)
}

// SendPullResponse writes the payload straight into the worker's tensor
// buffer recorded at push time, then follows with the signaled metadata
// write.
func (t *rdmaTransport) SendPullResponse(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	if msg.Meta.ValLen > 0 {
		vals := buf.data[1]
		seg := t.segment(vals)
		if seg == nil {
			fatalf("van: pull response values not registered (key %d)", msg.Meta.Key)
		}
		err := t.ep.qp.PostWrite(verbs.SGE{
			Addr:   seg.mr.Addr,
			Length: uint32(len(vals)),
			LKey:   seg.mr.LKey,
		}, msg.Meta.Addr, msg.Meta.Option)
		if err != nil {
			fatalf("van: pull response write to node %d: %v", t.ep.nodeID, err)
		}
	}
	t.send(buf, rt)
}

// RecvPushRequest rebuilds [keys, values, lengths] from the landing
// buffer; the value view starts at the page boundary past the metadata
// and is not copied.
func (t *rdmaTransport) RecvPushRequest(msg *Message, bctx *BufferContext, metaLen int) int {
	if !(msg.Meta.Push && msg.Meta.Request) {
		fatalf("van: push request flags mismatch")
	}
	if bctx.dataNum != 3 {
		fatalf("van: push request landed %d data fields, want 3", bctx.dataNum)
	}
	n := bctx.dataLen[1]
	off := alignCeil(metaLen, t.pagesize)
	keys := encodeKey(msg.Meta.Key)
	vals := bctx.buffer.B[off : off+n : off+n]
	lens := encodeLen(msg.Meta.ValLen)
	msg.Data = [][]byte{keys, vals, lens}
	return len(keys) + len(vals) + len(lens)
}

// RecvPullRequest carries no payload; the empty values field keeps the
// application-side shape.
func (t *rdmaTransport) RecvPullRequest(msg *Message, bctx *BufferContext, metaLen int) int {
	keys := encodeKey(msg.Meta.Key)
	msg.Data = [][]byte{keys, nil}
	return len(keys)
}

func (t *rdmaTransport) RecvPushResponse(msg *Message, bctx *BufferContext, metaLen int) int {
	if bctx.dataNum != 0 {
		fatalf("van: push response landed %d data fields, want 0", bctx.dataNum)
	}
	return 0
}

// RecvPullResponse views the values at the pre-agreed local address the
// server wrote into.
func (t *rdmaTransport) RecvPullResponse(msg *Message, bctx *BufferContext, metaLen int) int {
	keys := encodeKey(msg.Meta.Key)
	var vals []byte
	if msg.Meta.ValLen > 0 {
		vals = t.segmentAt(msg.Meta.Addr, msg.Meta.ValLen)
		if vals == nil {
			fatalf("van: pull response landed at unregistered address 0x%x", msg.Meta.Addr)
		}
	}
	lens := encodeLen(msg.Meta.ValLen)
	msg.Data = [][]byte{keys, vals, lens}
	return len(keys) + len(vals) + len(lens)
}

// Close releases transport-local resources; registered application
// regions are van-wide and dropped at Stop.
func (t *rdmaTransport) Close() {}
