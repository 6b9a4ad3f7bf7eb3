package recording

import (
	"sync"
)

// ChunkBuffer accumulates the media chunks of one segment in arrival order
type ChunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

// NewChunkBuffer creates an empty buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Append stores a copy of chunk. Empty chunks are ignored.
func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, buf)
	b.size += len(buf)
}

// Reset discards every chunk
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

// Assemble concatenates the chunks into a new slice. The buffer is left
// intact, so assembling twice yields identical bytes.
func (b *ChunkBuffer) Assemble() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 || b.size == 0 {
		return nil, ErrEmptyRecording
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Len returns the number of chunks held
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the total number of bytes held
func (b *ChunkBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
