// Package van implements the point-to-point messaging engine of the
// parameter server: RDMA connection management, the rendezvous and
// address-cache protocol that turns two-sided sends into one-sided
// writes, registered mempools, and an optional shared-memory bypass for
// co-located peers.
package van

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

// Role of a node in the cluster.
type Role int8

const (
	RoleScheduler Role = iota
	RoleServer
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleScheduler:
		return "scheduler"
	case RoleServer:
		return "server"
	case RoleWorker:
		return "worker"
	}
	return "unknown"
}

// ParseRole maps a DMLC_ROLE value to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "scheduler":
		return RoleScheduler, nil
	case "server":
		return RoleServer, nil
	case "worker":
		return RoleWorker, nil
	}
	return 0, fmt.Errorf("van: unknown role %q", s)
}

// EmptyID marks an unassigned node id.
const EmptyID = math.MaxInt32

// KeyEmpty marks a message without a key.
const KeyEmpty = math.MaxUint64

// Node identifies one process in the cluster.
type Node struct {
	ID       int
	Role     Role
	Hostname string
	Port     int
}

// Command enumerates control-plane message kinds.
type Command int32

const (
	CmdEmpty Command = iota
	CmdTerminate
	CmdAddNode
	CmdBarrier
	CmdAck
	CmdHeartbeat
)

// Control is the control sub-record of a Meta.
type Control struct {
	Cmd          Command
	Nodes        []Node
	BarrierGroup int
	MsgSig       uint64
}

// Empty reports whether this is not a control message.
func (c *Control) Empty() bool { return c.Cmd == CmdEmpty }

// Meta is the metadata record carried by every message.
type Meta struct {
	Head      int
	AppID     int
	Timestamp int

	Sender int
	Recver int

	Request   bool
	Push      bool
	SimpleApp bool

	Key    uint64
	Addr   uint64
	ValLen int
	Option uint32

	DataSize int
	DataLens []int

	Control Control
}

// Message is a Meta plus up to maxDataFields opaque data fields. For a
// push request the fields are [keys, values, lengths].
type Message struct {
	Meta Meta
	Data [][]byte
}

// DataSize is the total payload length in bytes.
func (m *Message) DataSize() int {
	n := 0
	for _, d := range m.Data {
		n += len(d)
	}
	return n
}

// IsValidPushpull reports whether the message is a data-plane push/pull
// message (as opposed to control traffic).
func IsValidPushpull(msg *Message) bool {
	return msg.Meta.Control.Empty() && !msg.Meta.SimpleApp
}

// Fixed work-request depths; the free-list waits on these bound the
// number of outstanding operations per endpoint.
const (
	startDepth = 128
	replyDepth = 256
	writeDepth = 128
	rxDepth    = 256

	sgEntries = 4

	// batch size for one completion-queue poll, sized to the sum of all
	// per-endpoint depths
	maxConcurrentWR = startDepth + replyDepth + writeDepth + rxDepth
)

const (
	// size of every pre-posted receive landing chunk; must hold either
	// rendezvous message
	mempoolChunkSize = 1 << 12

	// upper bound on a packed Meta; landing buffers reserve this much for
	// the metadata segment so they can be reused as metas vary in size
	maxMetaBound = 1 << 12

	maxDataFields = 4

	addrPoolCapacity = 512

	listenBacklog  = 128
	maxHostnameLen = 16
)

// Immediate values of the two-sided rendezvous sends. Data-bearing
// writes carry an address-pool index instead.
const (
	immRendezvousStart uint32 = 0
	immRendezvousReply uint32 = 1
)

// rendezvousStart announces an upcoming message: metadata length, the
// data-field lengths, and an origin token echoed back in the reply.
type rendezvousStart struct {
	MetaLen    uint64
	DataNum    uint64
	DataLen    [maxDataFields]uint64
	OriginAddr uint64
}

const rendezvousStartSize = 8 + 8 + 8*maxDataFields + 8

// rendezvousReply carries the receiver's landing address, remote key and
// address-pool slot back to the sender.
type rendezvousReply struct {
	Addr       uint64
	OriginAddr uint64
	RKey       uint32
	Idx        uint32
}

const rendezvousReplySize = 8 + 8 + 4 + 4

// Both peers run the same binary; the wire layout is native-endian and
// this implementation targets little-endian hosts.
var wire = binary.LittleEndian

func (r *rendezvousStart) marshal(b []byte) {
	wire.PutUint64(b[0:], r.MetaLen)
	wire.PutUint64(b[8:], r.DataNum)
	for i := 0; i < maxDataFields; i++ {
		wire.PutUint64(b[16+8*i:], r.DataLen[i])
	}
	wire.PutUint64(b[48:], r.OriginAddr)
}

func (r *rendezvousStart) unmarshal(b []byte) {
	r.MetaLen = wire.Uint64(b[0:])
	r.DataNum = wire.Uint64(b[8:])
	for i := 0; i < maxDataFields; i++ {
		r.DataLen[i] = wire.Uint64(b[16+8*i:])
	}
	r.OriginAddr = wire.Uint64(b[48:])
}

func (r *rendezvousReply) marshal(b []byte) {
	wire.PutUint64(b[0:], r.Addr)
	wire.PutUint64(b[8:], r.OriginAddr)
	wire.PutUint32(b[16:], r.RKey)
	wire.PutUint32(b[20:], r.Idx)
}

func (r *rendezvousReply) unmarshal(b []byte) {
	r.Addr = wire.Uint64(b[0:])
	r.OriginAddr = wire.Uint64(b[8:])
	r.RKey = wire.Uint32(b[16:])
	r.Idx = wire.Uint32(b[20:])
}

// requestContext travels as CM private data during connection setup.
type requestContext struct {
	Node     uint32
	Port     uint16
	Hostname string
}

const requestContextSize = 26 // 4 + 2 + 16 hostname bytes, padded

func (r *requestContext) marshal() []byte {
	b := make([]byte, requestContextSize)
	wire.PutUint32(b[0:], r.Node)
	wire.PutUint16(b[4:], r.Port)
	copy(b[6:6+maxHostnameLen-1], r.Hostname)
	return b
}

func (r *requestContext) unmarshal(b []byte) error {
	if len(b) < requestContextSize {
		return fmt.Errorf("van: request context truncated: %d bytes", len(b))
	}
	r.Node = wire.Uint32(b[0:])
	r.Port = wire.Uint16(b[4:])
	host := b[6 : 6+maxHostnameLen]
	for i, c := range host {
		if c == 0 {
			host = host[:i]
			break
		}
	}
	r.Hostname = string(host)
	return nil
}

// remoteTuple is the cached landing of one (key, peer, direction):
// remote address, remote key, and the receiver's address-pool slot.
type remoteTuple struct {
	addr uint64
	rkey uint32
	idx  uint32
}

// tensorInfo is the server-side record of a worker tensor, captured from
// the first push and reused to answer pulls.
type tensorInfo struct {
	length int
	addr   uint64
	rkey   uint32
}

// MessageBuffer tracks one in-flight outbound message.
type MessageBuffer struct {
	inline    *Chunk
	inlineLen int
	data      [][]byte
	mrs       []mrSegment

	// write context reserved ahead of the rendezvous so the reply path
	// cannot stall on the free list
	reserved *WRContext

	// origin token carried in RendezvousStart and echoed by the reply
	token uint64
}

// mrSegment is one registered data-field view captured at PrepareData.
type mrSegment struct {
	addr   uint64
	lkey   uint32
	length int
}

// BufferContext tracks one in-flight inbound message: the registered
// landing area and the geometry announced by the rendezvous.
type BufferContext struct {
	buffer  *Chunk
	metaLen int
	dataNum int
	dataLen [maxDataFields]int
	idx     uint32
}

// wrKind tags a work-request context.
type wrKind uint8

const (
	wrReceive wrKind = iota
	wrRendezvousStart
	wrRendezvousReply
	wrWrite
)

// WRContext is the bookkeeping record for one in-flight work request.
// Its table id travels as the work-request id; completions resolve it
// back to the endpoint through the ep pointer.
type WRContext struct {
	id   uint64
	kind wrKind
	ep   *Endpoint

	buf []byte
	mr  *verbs.MemoryRegion

	// outbound message owning this context, set while a signaled write
	// is in flight
	msgBuf *MessageBuffer
}

func alignCeil(n, align int) int {
	return (n + align - 1) / align * align
}
