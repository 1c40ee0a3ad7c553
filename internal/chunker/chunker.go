// Package chunker implements the two splitting strategies backup archives
// use: a content-defined chunker (rolling gear hash, FastCDC-style dual
// mask normalization) for file-like data, and a fixed-size chunker for
// block device images.
//
// The streaming Next() API and buffer-refill loop are grounded on the
// other_examples FastCDC implementations (kalbasit/chunker.go's Chunker
// type, vitalvas-gokit's dual-mask gear hash core).
package chunker

import (
	"errors"
	"io"
)

// Chunk is one content-defined or fixed-size split of the input stream.
type Chunk struct {
	// Offset is the byte offset of this chunk within the stream.
	Offset uint64
	// Data holds the chunk's plaintext bytes in a freshly allocated slice
	// owned by the caller; later calls to Next do not overwrite it.
	Data []byte
}

// ErrDone is returned by Next once the stream is fully consumed.
var ErrDone = errors.New("chunker: no more chunks")

// Chunker splits a byte stream into Chunks.
type Chunker interface {
	// Next returns the next chunk, or ErrDone when the stream is exhausted.
	Next() (Chunk, error)
}

const defaultBufferSize = 8 << 20 // 8 MiB refill buffer

// refillingReader holds an internal buffer that is refilled from an
// underlying io.Reader, sliding unconsumed bytes to the front before each
// refill — the same shape as kalbasit/chunker.go's fillBuffer.
type refillingReader struct {
	r      io.Reader
	buf    []byte
	cursor int
	eof    bool
}

func newRefillingReader(r io.Reader, bufSize int) *refillingReader {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &refillingReader{r: r, buf: make([]byte, 0, bufSize)}
}

// available returns the unconsumed portion of the buffer.
func (rr *refillingReader) available() []byte {
	return rr.buf[rr.cursor:]
}

// fill slides unconsumed data to the front and reads more from the
// underlying reader until the buffer is full or the reader is exhausted.
func (rr *refillingReader) fill() error {
	if rr.cursor > 0 {
		rr.buf = append(rr.buf[:0], rr.buf[rr.cursor:]...)
		rr.cursor = 0
	}
	if rr.eof {
		return nil
	}
	for len(rr.buf) < cap(rr.buf) {
		n, err := rr.r.Read(rr.buf[len(rr.buf):cap(rr.buf)])
		rr.buf = rr.buf[:len(rr.buf)+n]
		if err != nil {
			if err == io.EOF {
				rr.eof = true
				return nil
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// consume advances the cursor by n bytes.
func (rr *refillingReader) consume(n int) {
	rr.cursor += n
}
