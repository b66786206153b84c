package van

import (
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/pkg/shm"
)

// ShmPrefix names the POSIX shared-memory objects the IPC bypass maps;
// the full object name is the prefix followed by the base key. The
// application allocating tensors in shared memory uses the same naming.
const ShmPrefix = "BytePS_ShM_"

// ipcTransport replaces the value transfer with a memcpy through shared
// memory when both peers live on the same host. Metadata still traverses
// the RDMA path so the receiver's completion-driven handoff is unchanged.
// Only the push-request send, pull-response send and push-request receive
// differ from the RDMA transport.
type ipcTransport struct {
	*rdmaTransport

	logger         *zap.Logger
	nthreads       int
	enableAsync    bool
	partitionBytes int

	queues  []chan asyncCopy
	wg      sync.WaitGroup
	counter atomic.Uint64

	shmMu   sync.Mutex
	shmMaps map[uint64][]byte
}

// asyncCopy is one pull-response copy job handed to the worker pool.
type asyncCopy struct {
	buf *MessageBuffer
	rt  remoteTuple
	dst []byte
	src []byte
	n   int
}

func newIPCTransport(v *Van, ep *Endpoint, pool *Mempool, logger *zap.Logger) *ipcTransport {
	t := &ipcTransport{
		rdmaTransport: newRDMATransport(v, ep, pool),
		logger:        logger,
		nthreads:      envInt("BYTEPS_IPC_COPY_NUM_THREADS", 4),
		enableAsync:   envInt("BYTEPS_IPC_ENABLE_ASYNC_COPY", 1) != 0,
		shmMaps:       make(map[uint64][]byte),
	}
	t.partitionBytes = alignCeil(envInt("BYTEPS_PARTITION_BYTES", 4096000),
		envInt("BYTEPS_LOCAL_SIZE", 8)*t.pagesize)
	if !t.enableAsync {
		logger.Info("async ipc copy disabled, this could affect performance")
	}
	t.queues = make([]chan asyncCopy, t.nthreads)
	for i := range t.queues {
		t.queues[i] = make(chan asyncCopy, writeDepth)
	}
	for i := 0; i < t.nthreads; i++ {
		t.wg.Add(1)
		go t.copyWorker(i)
	}
	return t
}

func (t *ipcTransport) copyWorker(i int) {
	defer t.wg.Done()
	for m := range t.queues[i] {
		if m.n > 0 {
			copy(m.dst[:m.n], m.src[:m.n])
		}
		t.RDMAWriteWithImm(m.buf, m.rt.addr, m.rt.rkey, m.rt.idx)
	}
}

// sharedMemoryAt maps (once per base key) the shm object backing a key
// and returns the partition the key's value lives in.
func (t *ipcTransport) sharedMemoryAt(key uint64) []byte {
	workerKey := decodeWorkerKey(key)
	seqNum := workerKey % (1 << 16)
	baseKey := workerKey - seqNum
	offset := uint64(t.partitionBytes) * seqNum

	t.shmMu.Lock()
	defer t.shmMu.Unlock()
	base, ok := t.shmMaps[baseKey]
	if !ok {
		name := ShmPrefix + strconv.FormatUint(baseKey, 10)
		var err error
		base, err = shm.Open(name)
		if err != nil {
			fatalf("van: shared memory %s: %v", name, err)
		}
		t.shmMaps[baseKey] = base
		t.logger.Info("opened shared memory",
			zap.String("name", name),
			zap.Uint64("offset", offset),
			zap.Int("size", len(base)))
	}
	return base[offset:]
}

// SendPushRequest drops the value segments: the payload already sits in
// shared memory, so only the metadata write goes out.
func (t *ipcTransport) SendPushRequest(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	buf.mrs = nil
	t.send(buf, rt)
}

// SendPullResponse copies the value into the shared partition, then
// issues the signaled metadata write. With async copy enabled the copy
// pool does both so the send path never blocks on a memcpy.
func (t *ipcTransport) SendPullResponse(msg *Message, buf *MessageBuffer, rt remoteTuple) {
	if len(buf.mrs) != 0 {
		fatalf("van: ipc pull response carries %d registered segments", len(buf.mrs))
	}
	n := msg.Meta.ValLen
	if t.enableAsync && n > 0 {
		m := asyncCopy{buf: buf, rt: rt, dst: t.sharedMemoryAt(msg.Meta.Key), src: buf.data[1], n: n}
		i := t.counter.Add(1)
		t.queues[int(i)%t.nthreads] <- m
		return
	}
	if n > 0 {
		copy(t.sharedMemoryAt(msg.Meta.Key)[:n], buf.data[1][:n])
	}
	t.send(buf, rt)
}

// RecvPushRequest views the value straight out of shared memory.
func (t *ipcTransport) RecvPushRequest(msg *Message, bctx *BufferContext, metaLen int) int {
	if !(msg.Meta.Push && msg.Meta.Request) {
		fatalf("van: push request flags mismatch")
	}
	n := msg.Meta.ValLen
	keys := encodeKey(msg.Meta.Key)
	var vals []byte
	if n > 0 {
		vals = t.sharedMemoryAt(msg.Meta.Key)[:n:n]
	}
	lens := encodeLen(n)
	msg.Data = [][]byte{keys, vals, lens}
	return len(keys) + len(vals) + len(lens)
}

// Close drains the copy pool before releasing the registered regions.
func (t *ipcTransport) Close() {
	for _, q := range t.queues {
		close(q)
	}
	t.wg.Wait()
	t.rdmaTransport.Close()
}

// decodeWorkerKey recovers the worker-side key from a server key. With a
// single server key range the mapping is the identity.
func decodeWorkerKey(key uint64) uint64 { return key }
