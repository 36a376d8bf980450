package integrity

import "fmt"

// Set selects a Codec by payload length. A storage
// node holds one Codec per raw payload size it accepts
// (the chunk size, plus the shard size under erasure
// coding).
type Set struct { // A
	byRaw    map[int]*Codec
	byStored map[int]*Codec
}

// NewSet builds a Set for the given raw payload sizes.
// No raw size may equal the stored size of another, in
// either order, or Ensure could not tell them apart.
func NewSet(sliceSize int, payloadSizes ...int) (*Set, error) { // A
	s := &Set{
		byRaw:    make(map[int]*Codec, len(payloadSizes)),
		byStored: make(map[int]*Codec, len(payloadSizes)),
	}
	for _, size := range payloadSizes {
		c, err := NewCodec(size, sliceSize)
		if err != nil {
			return nil, err
		}
		if _, dup := s.byRaw[size]; dup {
			continue
		}
		_, storedIsRaw := s.byRaw[c.StoredSize()]
		_, rawIsStored := s.byStored[size]
		if storedIsRaw || rawIsStored {
			return nil, fmt.Errorf(
				"integrity: payload size %d (stored %d) "+
					"collides with another size in the set",
				size,
				c.StoredSize(),
			)
		}
		s.byRaw[size] = c
		s.byStored[c.StoredSize()] = c
	}
	return s, nil
}

// Ensure returns data with an integrity header. Raw
// payloads get a freshly computed header; data that
// already has the stored length of a known codec is
// returned unchanged. added reports whether a header
// was computed.
func (s *Set) Ensure(data []byte) (out []byte, added bool, err error) { // A
	if c, ok := s.byRaw[len(data)]; ok {
		out, err = c.Add(data)
		return out, err == nil, err
	}
	if _, ok := s.byStored[len(data)]; ok {
		return data, false, nil
	}
	return nil, false, fmt.Errorf(
		"%w: %d bytes is neither a raw nor a stored size",
		ErrLength,
		len(data),
	)
}

// StripAndValidate validates stored data with the
// codec matching its length.
func (s *Set) StripAndValidate(stored []byte) ([]byte, error) { // A
	c, ok := s.byStored[len(stored)]
	if !ok {
		return nil, fmt.Errorf(
			"%w: no codec for stored size %d",
			ErrLength,
			len(stored),
		)
	}
	return c.StripAndValidate(stored)
}
