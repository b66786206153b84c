package van

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

const defaultMempoolRegion = 64 << 20

// Chunk is one allocation from a Mempool: a byte view plus the fabric
// address and keys of its registered backing region.
type Chunk struct {
	B    []byte
	addr uint64
	lkey uint32
	rkey uint32
	size int
	pool *Mempool
}

// Release returns the chunk to the pool it came from.
func (c *Chunk) Release() { c.pool.Free(c) }

// Addr is the fabric address of the first byte.
func (c *Chunk) Addr() uint64 { return c.addr }

// LocalKey is the local access key of the backing region.
func (c *Chunk) LocalKey() uint32 { return c.lkey }

// RemoteKey is the key remote peers use to write the chunk.
func (c *Chunk) RemoteKey() uint32 { return c.rkey }

// Mempool is a page-aligned allocator over large regions registered with
// the protection domain as LOCAL_WRITE|REMOTE_WRITE. Freed chunks are
// recycled by size class. Two instances exist per van: one for inline
// metadata on the send side, one for landing buffers on the receive side.
type Mempool struct {
	mu       sync.Mutex
	pd       verbs.ProtectionDomain
	pagesize int

	regions []*mempoolRegion
	free    map[int][]*Chunk
}

type mempoolRegion struct {
	buf  []byte
	mr   *verbs.MemoryRegion
	used int
}

// NewMempool creates a pool backed by one initial region.
func NewMempool(pd verbs.ProtectionDomain) (*Mempool, error) {
	p := &Mempool{pd: pd, pagesize: os.Getpagesize(), free: make(map[int][]*Chunk)}
	if err := p.grow(defaultMempoolRegion); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Mempool) grow(size int) error {
	size = alignCeil(size, p.pagesize)
	buf, err := alignedAlloc(size)
	if err != nil {
		return fmt.Errorf("van: mempool region alloc: %w", err)
	}
	mr, err := p.pd.RegisterMemory(buf, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		return fmt.Errorf("van: mempool region registration: %w", err)
	}
	p.regions = append(p.regions, &mempoolRegion{buf: buf, mr: mr})
	return nil
}

// Alloc returns a chunk of at least n bytes, rounded up to page size.
func (p *Mempool) Alloc(n int) *Chunk {
	if n <= 0 {
		fatalf("van: mempool alloc of %d bytes", n)
	}
	size := alignCeil(n, p.pagesize)

	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.free[size]; len(list) > 0 {
		c := list[len(list)-1]
		p.free[size] = list[:len(list)-1]
		return c
	}

	r := p.regions[len(p.regions)-1]
	if r.used+size > len(r.buf) {
		grow := defaultMempoolRegion
		if size > grow {
			grow = size
		}
		if err := p.grow(grow); err != nil {
			fatalf("van: mempool exhausted: %v", err)
		}
		r = p.regions[len(p.regions)-1]
	}
	off := r.used
	r.used += size
	return &Chunk{
		B:    r.buf[off : off+size],
		addr: r.mr.Addr + uint64(off),
		lkey: r.mr.LKey,
		rkey: r.mr.RKey,
		size: size,
		pool: p,
	}
}

// Free recycles a chunk for reuse by allocations of the same size class.
func (p *Mempool) Free(c *Chunk) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.free[c.size] = append(p.free[c.size], c)
	p.mu.Unlock()
}

// Close deregisters and unmaps every region.
func (p *Mempool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, r := range p.regions {
		if err := p.pd.DeregisterMemory(r.mr); err != nil && first == nil {
			first = err
		}
		if err := unix.Munmap(r.buf); err != nil && first == nil {
			first = err
		}
	}
	p.regions = nil
	p.free = make(map[int][]*Chunk)
	return first
}

// alignedAlloc maps anonymous page-aligned memory; registered regions
// must sit on page boundaries.
func alignedAlloc(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeAligned(b []byte) {
	if b != nil {
		_ = unix.Munmap(b)
	}
}
