package chunker

import "io"

// FixedChunker splits a stream into uniform-size chunks, used for block
// device images where fidx's slot-indexed format requires a single
// constant chunk size.
type FixedChunker struct {
	rr        *refillingReader
	offset    uint64
	chunkSize int
}

// NewFixed builds a fixed-size chunker reading from r with the given
// chunk size. The final chunk may be shorter if the stream length is not
// an exact multiple of chunkSize.
func NewFixed(r io.Reader, chunkSize int) *FixedChunker {
	return &FixedChunker{
		rr:        newRefillingReader(r, chunkSize*4),
		chunkSize: chunkSize,
	}
}

// Next returns the next fixed-size chunk.
func (c *FixedChunker) Next() (Chunk, error) {
	if err := c.rr.fill(); err != nil {
		return Chunk{}, err
	}
	data := c.rr.available()
	if len(data) == 0 {
		return Chunk{}, ErrDone
	}

	n := c.chunkSize
	if n > len(data) {
		n = len(data)
	}

	offset := c.offset
	c.rr.consume(n)
	c.offset += uint64(n)

	out := make([]byte, n)
	copy(out, data[:n])
	return Chunk{Offset: offset, Data: out}, nil
}
