// Package chunker splits a file into fixed-size chunks.
// The final chunk is zero-padded to the full size.
package chunker

import (
	"errors"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// Count returns the number of chunks of size bytes a
// file of length bytes splits into.
func Count(length int64, size int) int32 {
	if length <= 0 || size <= 0 {
		return 0
	}
	return int32((length + int64(size) - 1) / int64(size))
}

// NewChunker creates a Chunker that yields chunks of
// exactly size bytes using the boxo size splitter.
func NewChunker(r io.Reader, size int) (Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", size)
	}
	return &paddedChunker{
		splitter: boxochunker.NewSizeSplitter(r, int64(size)),
		size:     size,
	}, nil
}

type paddedChunker struct {
	splitter boxochunker.Splitter
	size     int
}

func (c *paddedChunker) Next() ([]byte, error) {
	chunk, err := c.splitter.NextBytes()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if len(chunk) == c.size {
		return chunk, nil
	}
	padded := make([]byte, c.size)
	copy(padded, chunk)
	return padded, nil
}
