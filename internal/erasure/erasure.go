// Package erasure splits one chunk into Reed-Solomon
// data and parity shards and reconstructs it from any
// sufficient subset of them.
package erasure

import (
	"bytes"
	"errors"
	"fmt"

	rs "github.com/klauspost/reedsolomon"
)

// ErrTooFewShards is returned by Decode when fewer
// than the data-shard count of shards are present.
var ErrTooFewShards = errors.New("erasure: too few shards")

// Codec encodes chunks of one fixed size.
type Codec struct { // A
	enc       rs.Encoder
	data      int
	parity    int
	chunkSize int
}

// New creates a Codec for chunks of chunkSize bytes.
// This is a priority function and must be reviewed before production. // PA
func New(dataShards, parityShards, chunkSize int) (*Codec, error) { // A
	if dataShards <= 0 {
		return nil, fmt.Errorf("erasure: data shards must be > 0")
	}
	if parityShards < 0 {
		return nil, fmt.Errorf("erasure: parity shards must be >= 0")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("erasure: chunk size must be > 0")
	}
	enc, err := rs.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	return &Codec{
		enc:       enc,
		data:      dataShards,
		parity:    parityShards,
		chunkSize: chunkSize,
	}, nil
}

// DataShards returns the data shard count.
func (c *Codec) DataShards() int { return c.data } // H

// ParityShards returns the parity shard count.
func (c *Codec) ParityShards() int { return c.parity } // H

// TotalShards returns data + parity.
func (c *Codec) TotalShards() int { return c.data + c.parity } // H

// ShardSize is the size of every shard produced for a
// chunk; the last data shard is zero-padded.
func (c *Codec) ShardSize() int { // H
	return (c.chunkSize + c.data - 1) / c.data
}

// Encode returns TotalShards shards for payload, data
// shards first.
func (c *Codec) Encode(payload []byte) ([][]byte, error) { // A
	if len(payload) != c.chunkSize {
		return nil, fmt.Errorf(
			"erasure: payload is %d bytes, codec expects %d",
			len(payload),
			c.chunkSize,
		)
	}
	// Split may use spare capacity of its input.
	data := make([]byte, len(payload))
	copy(data, payload)

	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode shards: %w", err)
	}

	out := make([][]byte, len(shards))
	for i, s := range shards {
		out[i] = make([]byte, len(s))
		copy(out[i], s)
	}
	return out, nil
}

// Decode rebuilds the chunk from shards. shards must
// have TotalShards entries; missing shards are nil.
// This is a priority function and must be reviewed before production. // PA
func (c *Codec) Decode(shards [][]byte) ([]byte, error) { // A
	if len(shards) != c.TotalShards() {
		return nil, fmt.Errorf(
			"erasure: got %d shard slots, want %d",
			len(shards),
			c.TotalShards(),
		)
	}

	work := make([][]byte, len(shards))
	present := 0
	for i, s := range shards {
		if s == nil {
			continue
		}
		if len(s) != c.ShardSize() {
			return nil, fmt.Errorf(
				"erasure: shard %d is %d bytes, want %d",
				i,
				len(s),
				c.ShardSize(),
			)
		}
		work[i] = make([]byte, len(s))
		copy(work[i], s)
		present++
	}
	if present < c.data {
		return nil, fmt.Errorf(
			"%w: have %d, need %d",
			ErrTooFewShards,
			present,
			c.data,
		)
	}

	if err := c.enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}
	ok, err := c.enc.Verify(work)
	if err != nil {
		return nil, fmt.Errorf("erasure: verify: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf(
			"erasure: shard verification failed after reconstruction",
		)
	}

	var out bytes.Buffer
	if err := c.enc.Join(&out, work, c.chunkSize); err != nil {
		return nil, fmt.Errorf("erasure: join: %w", err)
	}
	return out.Bytes(), nil
}
