// Package verbs abstracts the RDMA fabric used by the van: connection
// management, queue pairs, memory registration and completion queues.
// It defines an interface surface small enough to be backed either by the
// real ibverbs/rdmacm stack (build tag "rdma") or by an in-process loopback
// fabric used for testing and single-host development.
package verbs

import "time"

// Access flags for memory registration.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Opcode identifies the kind of a work completion.
type Opcode uint8

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRecv
	OpRecvRDMAImm
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRDMAWrite:
		return "rdma-write"
	case OpRecv:
		return "recv"
	case OpRecvRDMAImm:
		return "recv-rdma-imm"
	}
	return "unknown"
}

// Status of a work completion. Anything but StatusSuccess means the
// queue pair is in an unrecoverable state.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusError
)

// WorkCompletion mirrors one ibv_wc entry.
type WorkCompletion struct {
	WRID    uint64
	Status  Status
	Opcode  Opcode
	ByteLen uint32
	Imm     uint32
	HasImm  bool
}

// EventType enumerates connection-manager events.
type EventType uint8

const (
	EventConnectRequest EventType = iota
	EventAddrResolved
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventEstablished
	EventRejected
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnectRequest:
		return "connect-request"
	case EventAddrResolved:
		return "addr-resolved"
	case EventAddrError:
		return "addr-error"
	case EventRouteResolved:
		return "route-resolved"
	case EventRouteError:
		return "route-error"
	case EventEstablished:
		return "established"
	case EventRejected:
		return "rejected"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one connection-manager event. ConnectRequest carries the
// dialing side's private data and a fresh Conn for the passive side.
type Event struct {
	Type        EventType
	Conn        Conn
	PrivateData []byte
}

// SGE is a single scatter/gather element referencing registered memory.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// MemoryRegion describes one registered region. Addr is the fabric
// address of the first byte; remote peers reach the region through
// (Addr, RKey).
type MemoryRegion struct {
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// QPCap sets the work-request capacities of a queue pair.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// Fabric is one node's handle to the RDMA stack: it owns the CM event
// stream and creates listeners and connections.
type Fabric interface {
	// Listen binds a listener on the given port, optionally on a specific
	// source address. A port conflict is an error; the caller implements
	// retry policy.
	Listen(host string, port int, backlog int) (Listener, error)
	// NewConn creates an unconnected connection identifier.
	NewConn() (Conn, error)
	// Events delivers CM events for every Conn and Listener of this fabric.
	Events() <-chan Event
	Close() error
}

// Listener accepts incoming connection requests, surfaced as
// EventConnectRequest on the owning fabric's event stream.
type Listener interface {
	Port() int
	Close() error
}

// Conn is one connection identifier (an rdma_cm_id). The resolve and
// connect calls are asynchronous: completion is reported through the
// fabric event stream.
type Conn interface {
	// ResolveAddr starts address resolution toward host:port, optionally
	// binding the local side to srcHost.
	ResolveAddr(srcHost, host string, port int, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	// Connect initiates the connection, carrying privateData to the peer.
	Connect(privateData []byte) error
	// Accept completes the passive side, carrying privateData back.
	Accept(privateData []byte) error
	Disconnect() error
	// CreateQP creates the reliable-connection queue pair bound to this id.
	CreateQP(pd ProtectionDomain, cq CompletionQueue, cap QPCap) (QueuePair, error)
	// Device returns the device this connection resolved to; valid once
	// the route is resolved (active side) or on arrival (passive side).
	Device() Device
	// Context carries an opaque per-connection pointer, the endpoint.
	Context() interface{}
	SetContext(ctx interface{})
	Close() error
}

// Device is the HCA handle; protection domains and completion queues are
// scoped to it.
type Device interface {
	AllocPD() (ProtectionDomain, error)
	CreateCQ(depth int) (CompletionQueue, error)
}

// ProtectionDomain scopes memory registrations and queue pairs.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access Access) (*MemoryRegion, error)
	DeregisterMemory(mr *MemoryRegion) error
	Close() error
}

// CompletionQueue is the shared completion ring. Poll never blocks.
type CompletionQueue interface {
	Poll(wc []WorkCompletion) (int, error)
	Close() error
}

// QueuePair posts work requests. Signalling follows the van protocol:
// sends and writes-with-immediate are signaled, plain writes are not.
type QueuePair interface {
	PostRecv(wrID uint64, sge SGE) error
	// PostSendImm posts a two-sided signaled send carrying imm.
	PostSendImm(wrID uint64, sge SGE, imm uint32) error
	// PostWrite posts an unsignaled one-sided write; it produces no
	// completion on either side.
	PostWrite(sge SGE, remoteAddr uint64, rkey uint32) error
	// PostWriteImm posts a signaled one-sided write carrying imm; the
	// peer observes it as OpRecvRDMAImm and consumes one posted receive.
	PostWriteImm(wrID uint64, sge SGE, remoteAddr uint64, rkey uint32, imm uint32) error
	Close() error
}
