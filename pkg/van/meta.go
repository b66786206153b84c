package van

import "fmt"

// Packed Meta layout, little-endian. Sender and receiver are not on the
// wire: the receiving side knows both from the endpoint the buffer
// arrived on.
//
//	u32 head | u32 app | u32 timestamp | u8 flags | u8 dataNum
//	u64 key | u64 addr | u32 valLen | u32 option | u32 dataSize
//	u32 cmd | u32 barrierGroup | u64 msgSig | u16 nodeCount
//	nodes:   u32 id | u8 role | u16 port | u8 hostLen | hostname
//	fields:  u32 dataLen per dataNum
const metaFixedLen = 14 + 24 + 20 + 2

const (
	metaFlagRequest = 1 << iota
	metaFlagPush
	metaFlagSimpleApp
)

// PackMetaLen returns the exact packed size of m.
func PackMetaLen(m *Meta) int {
	n := metaFixedLen
	for _, node := range m.Control.Nodes {
		n += 8 + len(node.Hostname)
	}
	n += 4 * len(m.DataLens)
	return n
}

// PackMeta serializes m into b, which must hold PackMetaLen(m) bytes.
// It returns the number of bytes written.
func PackMeta(m *Meta, b []byte) int {
	wire.PutUint32(b[0:], uint32(int32(m.Head)))
	wire.PutUint32(b[4:], uint32(int32(m.AppID)))
	wire.PutUint32(b[8:], uint32(int32(m.Timestamp)))
	var flags byte
	if m.Request {
		flags |= metaFlagRequest
	}
	if m.Push {
		flags |= metaFlagPush
	}
	if m.SimpleApp {
		flags |= metaFlagSimpleApp
	}
	b[12] = flags
	b[13] = byte(len(m.DataLens))
	wire.PutUint64(b[14:], m.Key)
	wire.PutUint64(b[22:], m.Addr)
	wire.PutUint32(b[30:], uint32(int32(m.ValLen)))
	wire.PutUint32(b[34:], m.Option)
	wire.PutUint32(b[38:], uint32(int32(m.DataSize)))
	wire.PutUint32(b[42:], uint32(int32(m.Control.Cmd)))
	wire.PutUint32(b[46:], uint32(int32(m.Control.BarrierGroup)))
	wire.PutUint64(b[50:], m.Control.MsgSig)
	wire.PutUint16(b[58:], uint16(len(m.Control.Nodes)))
	off := metaFixedLen
	for _, node := range m.Control.Nodes {
		wire.PutUint32(b[off:], uint32(int32(node.ID)))
		b[off+4] = byte(node.Role)
		wire.PutUint16(b[off+5:], uint16(node.Port))
		b[off+7] = byte(len(node.Hostname))
		copy(b[off+8:], node.Hostname)
		off += 8 + len(node.Hostname)
	}
	for _, l := range m.DataLens {
		wire.PutUint32(b[off:], uint32(int32(l)))
		off += 4
	}
	return off
}

// UnpackMeta deserializes b into m.
func UnpackMeta(b []byte, m *Meta) error {
	if len(b) < metaFixedLen {
		return fmt.Errorf("van: packed meta truncated: %d bytes", len(b))
	}
	m.Head = int(int32(wire.Uint32(b[0:])))
	m.AppID = int(int32(wire.Uint32(b[4:])))
	m.Timestamp = int(int32(wire.Uint32(b[8:])))
	flags := b[12]
	m.Request = flags&metaFlagRequest != 0
	m.Push = flags&metaFlagPush != 0
	m.SimpleApp = flags&metaFlagSimpleApp != 0
	dataNum := int(b[13])
	m.Key = wire.Uint64(b[14:])
	m.Addr = wire.Uint64(b[22:])
	m.ValLen = int(int32(wire.Uint32(b[30:])))
	m.Option = wire.Uint32(b[34:])
	m.DataSize = int(int32(wire.Uint32(b[38:])))
	m.Control.Cmd = Command(int32(wire.Uint32(b[42:])))
	m.Control.BarrierGroup = int(int32(wire.Uint32(b[46:])))
	m.Control.MsgSig = wire.Uint64(b[50:])
	nodeCount := int(wire.Uint16(b[58:]))
	off := metaFixedLen
	m.Control.Nodes = nil
	for i := 0; i < nodeCount; i++ {
		if len(b) < off+8 {
			return fmt.Errorf("van: packed meta node %d truncated", i)
		}
		var node Node
		node.ID = int(int32(wire.Uint32(b[off:])))
		node.Role = Role(b[off+4])
		node.Port = int(wire.Uint16(b[off+5:]))
		hostLen := int(b[off+7])
		if len(b) < off+8+hostLen {
			return fmt.Errorf("van: packed meta hostname %d truncated", i)
		}
		node.Hostname = string(b[off+8 : off+8+hostLen])
		m.Control.Nodes = append(m.Control.Nodes, node)
		off += 8 + hostLen
	}
	m.DataLens = nil
	for i := 0; i < dataNum; i++ {
		if len(b) < off+4 {
			return fmt.Errorf("van: packed meta data length %d truncated", i)
		}
		m.DataLens = append(m.DataLens, int(int32(wire.Uint32(b[off:]))))
		off += 4
	}
	return nil
}

// decodeKey reads the message key from the keys data field.
func decodeKey(keys []byte) uint64 {
	if len(keys) < 8 {
		return KeyEmpty
	}
	return wire.Uint64(keys)
}

// encodeKey builds a keys data field for a single key.
func encodeKey(key uint64) []byte {
	b := make([]byte, 8)
	wire.PutUint64(b, key)
	return b
}

// encodeLen builds a lengths data field for a single value length.
func encodeLen(n int) []byte {
	b := make([]byte, 4)
	wire.PutUint32(b, uint32(int32(n)))
	return b
}
