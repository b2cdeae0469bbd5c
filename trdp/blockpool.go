package trdp

import "sync"

// blockPool hands out fixed-size payload buffers from a sync.Pool instead of
// the heap, mirroring the xmitBuf pattern used for high-frequency packet
// buffers: a session configured with UseBlockPool reuses buffers across
// publish/put cycles instead of allocating one per call. get
// returns len(buf)==n but cap(buf) may be larger; put returns it for reuse.
type blockPool struct {
	blockSize int
	pool      sync.Pool
}

func newBlockPool(blockSize int) *blockPool {
	bp := &blockPool{blockSize: blockSize}
	bp.pool.New = func() any { return make([]byte, bp.blockSize) }
	return bp
}

func (p *blockPool) get(n int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

func (p *blockPool) put(buf []byte) {
	if cap(buf) < p.blockSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}
