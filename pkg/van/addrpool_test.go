package van

import "testing"

func TestAddressPoolStoreGetRelease(t *testing.T) {
	p := NewAddressPool(4)
	ctxs := make([]*BufferContext, 4)
	for i := range ctxs {
		ctxs[i] = &BufferContext{metaLen: i}
		idx := p.Store(ctxs[i])
		if int(idx) != i {
			t.Fatalf("Store #%d returned idx %d", i, idx)
		}
	}
	// slots stay live across repeated lookups
	for i := range ctxs {
		if got := p.Get(uint32(i)); got != ctxs[i] {
			t.Fatalf("Get(%d) returned wrong context", i)
		}
		if got := p.Get(uint32(i)); got != ctxs[i] {
			t.Fatalf("second Get(%d) returned wrong context", i)
		}
	}
	p.Release(1)
	p.Release(3)
	// FIFO recycling hands back indices in release order
	if idx := p.Store(&BufferContext{}); idx != 1 {
		t.Fatalf("Store after release returned %d, want 1", idx)
	}
	if idx := p.Store(&BufferContext{}); idx != 3 {
		t.Fatalf("Store after release returned %d, want 3", idx)
	}
}

func TestAddressPoolNeverDuplicatesLiveIndex(t *testing.T) {
	p := NewAddressPool(16)
	live := map[uint32]bool{}
	for i := 0; i < 16; i++ {
		idx := p.Store(&BufferContext{})
		if live[idx] {
			t.Fatalf("idx %d handed out twice while live", idx)
		}
		live[idx] = true
	}
	for idx := range live {
		p.Release(idx)
	}
	for i := 0; i < 16; i++ {
		p.Store(&BufferContext{})
	}
}

func TestAddressPoolOverflowIsFatal(t *testing.T) {
	p := NewAddressPool(1)
	p.Store(&BufferContext{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on pool overflow")
		}
	}()
	p.Store(&BufferContext{})
}

func TestAddressPoolEmptySlotIsFatal(t *testing.T) {
	p := NewAddressPool(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on empty slot lookup")
		}
	}()
	p.Get(0)
}
