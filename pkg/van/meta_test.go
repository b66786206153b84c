package van

import (
	"reflect"
	"testing"
)

func TestPackMetaRoundTrip(t *testing.T) {
	metas := []Meta{
		{},
		{
			Head:      3,
			AppID:     1,
			Timestamp: 42,
			Request:   true,
			Push:      true,
			Key:       7,
			Addr:      0xdeadbeef,
			ValLen:    1024,
			Option:    99,
			DataSize:  1036,
			DataLens:  []int{8, 1024, 4},
		},
		{
			Timestamp: -1,
			Key:       KeyEmpty,
			Control: Control{
				Cmd:          CmdAddNode,
				BarrierGroup: 5,
				MsgSig:       0x1122334455667788,
				Nodes: []Node{
					{ID: 8, Role: RoleServer, Hostname: "host-a", Port: 9010},
					{ID: 9, Role: RoleWorker, Hostname: "host-b", Port: 9011},
				},
			},
		},
		{
			SimpleApp: true,
			Control:   Control{Cmd: CmdHeartbeat},
		},
	}

	for i, m := range metas {
		n := PackMetaLen(&m)
		buf := make([]byte, n)
		if wrote := PackMeta(&m, buf); wrote != n {
			t.Fatalf("meta %d: PackMeta wrote %d bytes, PackMetaLen said %d", i, wrote, n)
		}
		var got Meta
		if err := UnpackMeta(buf, &got); err != nil {
			t.Fatalf("meta %d: UnpackMeta: %v", i, err)
		}
		// sender and receiver never travel on the wire
		got.Sender = m.Sender
		got.Recver = m.Recver
		if !reflect.DeepEqual(m, got) {
			t.Fatalf("meta %d round trip mismatch:\nsent %+v\ngot  %+v", i, m, got)
		}
	}
}

func TestPackMetaLenMatchesNodes(t *testing.T) {
	m := Meta{Control: Control{Cmd: CmdAddNode, Nodes: []Node{{Hostname: "abcdefgh"}}}}
	want := metaFixedLen + 8 + len("abcdefgh")
	if got := PackMetaLen(&m); got != want {
		t.Fatalf("PackMetaLen = %d, want %d", got, want)
	}
}

func TestUnpackMetaTruncated(t *testing.T) {
	m := Meta{Control: Control{Cmd: CmdAddNode, Nodes: []Node{{ID: 1, Hostname: "h"}}}}
	buf := make([]byte, PackMetaLen(&m))
	PackMeta(&m, buf)

	var got Meta
	if err := UnpackMeta(buf[:metaFixedLen-1], &got); err == nil {
		t.Fatal("expected error for truncated fixed section")
	}
	if err := UnpackMeta(buf[:len(buf)-1], &got); err == nil {
		t.Fatal("expected error for truncated node section")
	}
}

func TestKeyFieldCodec(t *testing.T) {
	for _, key := range []uint64{0, 7, 1 << 40, KeyEmpty} {
		if got := decodeKey(encodeKey(key)); got != key {
			t.Fatalf("decodeKey(encodeKey(%d)) = %d", key, got)
		}
	}
	if got := decodeKey([]byte{1, 2}); got != KeyEmpty {
		t.Fatalf("short keys field should decode to KeyEmpty, got %d", got)
	}
}
