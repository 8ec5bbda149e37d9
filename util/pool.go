package util

import "sync"

// ChunkSize is the relay read size.  Engine output is forwarded in
// chunks of at most this many bytes so a chatty engine never builds an
// unbounded buffer inside the gateway.
const ChunkSize = 1024

// chunkPool provides reusable relay buffers, reducing GC pressure when
// many sessions pump engine output at once.
var chunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetChunk retrieves a buffer from the pool.  Callers must return it
// with [PutChunk] when finished.
func GetChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

// PutChunk returns a buffer to the pool for reuse.
func PutChunk(buf *[]byte) {
	if buf == nil {
		return
	}
	chunkPool.Put(buf)
}
