// Package integrity computes and validates the sliced
// SHA-1 header stored in front of every chunk payload.
//
// A payload is cut into fixed-size slices. The header
// is the concatenation of one SHA-1 digest per slice,
// in slice order. A stored chunk is header ++ payload.
package integrity

import (
	"bytes"
	"crypto/sha1" // #nosec G505 -- SHA-1 is the on-disk integrity format, not a security boundary.
	"errors"
	"fmt"
)

// DigestSize is the length of a single slice digest.
const DigestSize = sha1.Size

var (
	// ErrMismatch is returned when a stored payload no
	// longer matches its header.
	ErrMismatch = errors.New("integrity: digest mismatch")
	// ErrLength is returned when a payload or stored
	// chunk has a length the codec does not handle.
	ErrLength = errors.New("integrity: unexpected length")
)

// Codec handles payloads of exactly one size. The
// header length is fixed by that size and the slice
// size.
type Codec struct { // A
	payloadSize int
	sliceSize   int
	slices      int
}

// NewCodec creates a Codec for payloads of
// payloadSize bytes hashed in slices of sliceSize
// bytes. A trailing slice shorter than sliceSize is
// digested as-is.
func NewCodec( // A
	payloadSize int,
	sliceSize int,
) (*Codec, error) {
	if payloadSize <= 0 {
		return nil, fmt.Errorf(
			"integrity: payload size must be > 0, got %d",
			payloadSize,
		)
	}
	if sliceSize <= 0 {
		return nil, fmt.Errorf(
			"integrity: slice size must be > 0, got %d",
			sliceSize,
		)
	}
	return &Codec{
		payloadSize: payloadSize,
		sliceSize:   sliceSize,
		slices:      (payloadSize + sliceSize - 1) / sliceSize,
	}, nil
}

// PayloadSize returns the raw payload size.
func (c *Codec) PayloadSize() int { return c.payloadSize } // H

// HeaderSize returns slices * DigestSize.
func (c *Codec) HeaderSize() int { return c.slices * DigestSize } // H

// StoredSize returns HeaderSize + PayloadSize.
func (c *Codec) StoredSize() int { return c.HeaderSize() + c.payloadSize } // H

// Header computes the digest header for payload.
func (c *Codec) Header(payload []byte) ([]byte, error) { // A
	if len(payload) != c.payloadSize {
		return nil, fmt.Errorf(
			"%w: payload is %d bytes, codec expects %d",
			ErrLength,
			len(payload),
			c.payloadSize,
		)
	}
	header := make([]byte, 0, c.HeaderSize())
	for i := 0; i < c.slices; i++ {
		sum := sha1.Sum(c.slice(payload, i)) // #nosec G401
		header = append(header, sum[:]...)
	}
	return header, nil
}

// Add returns header ++ payload.
func (c *Codec) Add(payload []byte) ([]byte, error) { // A
	header, err := c.Header(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.StoredSize())
	out = append(out, header...)
	return append(out, payload...), nil
}

// StripAndValidate recomputes every slice digest of
// the stored payload and compares it with the stored
// header. Any differing slice fails the whole chunk;
// on success the payload without header is returned.
func (c *Codec) StripAndValidate( // A
	stored []byte,
) ([]byte, error) {
	if len(stored) != c.StoredSize() {
		return nil, fmt.Errorf(
			"%w: stored chunk is %d bytes, codec expects %d",
			ErrLength,
			len(stored),
			c.StoredSize(),
		)
	}
	header := stored[:c.HeaderSize()]
	payload := stored[c.HeaderSize():]
	for i := 0; i < c.slices; i++ {
		sum := sha1.Sum(c.slice(payload, i)) // #nosec G401
		want := header[i*DigestSize : (i+1)*DigestSize]
		if !bytes.Equal(sum[:], want) {
			return nil, fmt.Errorf(
				"%w: slice %d", ErrMismatch, i,
			)
		}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (c *Codec) slice(payload []byte, i int) []byte { // A
	start := i * c.sliceSize
	end := start + c.sliceSize
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}
