package van

import "sync"

// AddressPool maps compact 32-bit indices to live receive-buffer
// contexts; the index travels in the immediate of a data-bearing write.
// Indices are recycled FIFO so reuse windows stay easy to debug.
type AddressPool struct {
	mu      sync.Mutex
	table   []*BufferContext
	indices []uint32
}

// NewAddressPool creates a pool with the given capacity.
func NewAddressPool(capacity int) *AddressPool {
	p := &AddressPool{table: make([]*BufferContext, capacity)}
	p.indices = make([]uint32, capacity)
	for i := range p.indices {
		p.indices[i] = uint32(i)
	}
	return p
}

// Store places ctx into a free slot and returns its index. Running out
// of slots means the pool was sized below the number of concurrently
// in-flight receives, which is fatal.
func (p *AddressPool) Store(ctx *BufferContext) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx == nil {
		fatalf("van: storing nil buffer context")
	}
	if len(p.indices) == 0 {
		fatalf("van: address pool overflow (capacity %d)", len(p.table))
	}
	idx := p.indices[0]
	p.indices = p.indices[1:]
	p.table[idx] = ctx
	ctx.idx = idx
	return idx
}

// Get returns the context stored at idx. The slot stays live: cached
// rendezvous entries keep naming it for the connection's lifetime.
func (p *AddressPool) Get(idx uint32) *BufferContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := p.table[idx]
	if ctx == nil {
		fatalf("van: address pool slot %d is empty", idx)
	}
	return ctx
}

// Release frees the slot once its landing buffer has been handed
// upward and will not be written again.
func (p *AddressPool) Release(idx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table[idx] == nil {
		fatalf("van: releasing empty address pool slot %d", idx)
	}
	p.table[idx] = nil
	p.indices = append(p.indices, idx)
}
