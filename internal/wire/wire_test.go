package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// catalogTypes returns every message type with a
// decoder.
func catalogTypes() []MessageType { // A
	out := make([]MessageType, 0, len(decoders))
	for t := TypeRegister; t <= TypeListFileResponse; t++ {
		if _, ok := decoders[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func drawBytes(t *rapid.T, label string) []byte { // A
	b := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, label)
	if len(b) == 0 {
		return nil
	}
	return b
}

func drawStrings(t *rapid.T, label string) []string { // A
	s := rapid.SliceOfN(
		rapid.StringMatching(`[a-z0-9.:/]{0,24}`), 0, 5,
	).Draw(t, label)
	if len(s) == 0 {
		return nil
	}
	return s
}

func drawInt32s(t *rapid.T, label string) []int32 { // A
	s := rapid.SliceOfN(rapid.Int32(), 0, 6).Draw(t, label)
	if len(s) == 0 {
		return nil
	}
	return s
}

func drawStatus(t *rapid.T) Status { // A
	return rapid.SampledFrom(
		[]Status{StatusSuccess, StatusFailure},
	).Draw(t, "status")
}

// drawMessage builds a random message of the given
// type, with empty collections normalized to nil the
// way the decoder produces them.
func drawMessage(t *rapid.T, typ MessageType) Message { // A
	str := func(label string) string {
		return rapid.StringMatching(`[ -~]{0,32}`).Draw(t, label)
	}
	switch typ {
	case TypeRegister:
		return &Register{
			Kind: rapid.SampledFrom(
				[]RegistrationKind{KindRegister, KindDeregister},
			).Draw(t, "kind"),
			Host: str("host"),
			Port: rapid.Int32().Draw(t, "port"),
		}
	case TypeRegisterResponse:
		return &RegisterResponse{
			Status:  drawStatus(t),
			Message: str("message"),
		}
	case TypeHeartbeat:
		m := &Heartbeat{
			Address:    str("address"),
			ChunkCount: rapid.Int32().Draw(t, "count"),
			FreeSpace:  rapid.Int64().Draw(t, "free"),
		}
		n := rapid.IntRange(0, 4).Draw(t, "files")
		if n > 0 {
			m.NewChunks = make(map[string][]int32, n)
			for i := 0; i < n; i++ {
				m.NewChunks[str("file")] = drawInt32s(t, "seqs")
			}
		}
		return m
	case TypeWriteFileRequest:
		return &WriteFileRequest{
			Filename:   str("filename"),
			Sequence:   rapid.Int32().Draw(t, "seq"),
			FileLength: rapid.Int64().Draw(t, "length"),
			ChunkCount: rapid.Int32().Draw(t, "chunks"),
		}
	case TypeWriteFileResponse:
		m := &WriteFileResponse{
			Sequence: rapid.Int32().Draw(t, "seq"),
			Able:     rapid.Bool().Draw(t, "able"),
		}
		if m.Able {
			m.Chain = drawStrings(t, "chain")
		}
		return m
	case TypeWriteChunkRequest:
		return &WriteChunkRequest{
			Filename:     str("filename"),
			Sequence:     rapid.Int32().Draw(t, "seq"),
			Payload:      drawBytes(t, "payload"),
			LastModified: rapid.Int64().Draw(t, "mtime"),
			Chain:        drawStrings(t, "chain"),
			Position:     rapid.Int32().Draw(t, "pos"),
		}
	case TypeRedirectChunkRequest:
		return &RedirectChunkRequest{
			Filename:    str("filename"),
			Sequence:    rapid.Int32().Draw(t, "seq"),
			Position:    rapid.Int32().Draw(t, "pos"),
			Destination: str("dest"),
		}
	case TypeReadFileRequest:
		return &ReadFileRequest{Filename: str("filename")}
	case TypeReadFileResponse:
		m := &ReadFileResponse{
			Filename:   str("filename"),
			FileLength: rapid.Int64().Draw(t, "length"),
		}
		n := rapid.IntRange(0, 4).Draw(t, "chains")
		for i := 0; i < n; i++ {
			m.Chains = append(m.Chains, drawStrings(t, "chain"))
		}
		return m
	case TypeReadChunkRequest:
		return &ReadChunkRequest{
			Filename: str("filename"),
			Sequence: rapid.Int32().Draw(t, "seq"),
		}
	case TypeReadChunkResponse:
		m := &ReadChunkResponse{Status: drawStatus(t)}
		if m.Status == StatusSuccess {
			m.Payload = drawBytes(t, "payload")
		}
		return m
	case TypeListFileRequest:
		return &ListFileRequest{}
	case TypeListFileResponse:
		return &ListFileResponse{Filenames: drawStrings(t, "names")}
	}
	t.Fatalf("no generator for %s", typ)
	return nil
}

func TestCatalogRoundTripProperty(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.SampledFrom(catalogTypes()).Draw(t, "type")
		msg := drawMessage(t, typ)

		var buf bytes.Buffer
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if !assert.ObjectsAreEqual(msg, got) {
			t.Fatalf("round trip mismatch:\nsent %#v\ngot  %#v", msg, got)
		}
		if buf.Len() != 0 {
			t.Fatalf("%d bytes left in stream", buf.Len())
		}
	})
}

func TestCatalogCoversEveryType(t *testing.T) { // A
	types := catalogTypes()
	require.Len(t, types, 13)
	for _, typ := range types {
		assert.NotContains(t, typ.String(), "MessageType(")
	}
}

func TestUnmarshalArbitraryBytesNeverPanics(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.SampledFrom(catalogTypes()).Draw(t, "type")
		body := rapid.SliceOfN(rapid.Byte(), 0, 96).Draw(t, "body")
		frame := make([]byte, headerSize, headerSize+len(body))
		binary.BigEndian.PutUint32(frame[:4], uint32(typ))
		binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
		frame = append(frame, body...)

		msg, err := Unmarshal(frame)
		if err == nil && msg.Type() != typ {
			t.Fatalf("decoded %s from a %s frame", msg.Type(), typ)
		}
	})
}

func TestFrameStartsWithTypeTag(t *testing.T) { // A
	frame, err := Marshal(&ReadFileRequest{Filename: "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, uint32(TypeReadFileRequest), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, uint32(4+5), binary.BigEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(frame[8:12]))
	assert.Equal(t, "a.txt", string(frame[12:]))
}

func TestUnknownTypeIsRejected(t *testing.T) { // A
	frame := make([]byte, headerSize)
	binary.BigEndian.PutUint32(frame[:4], 999)
	_, err := Unmarshal(frame)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestTruncatedBodyIsRejected(t *testing.T) { // A
	body, err := EncodeBody(&WriteChunkRequest{
		Filename: "f",
		Payload:  []byte("payload"),
		Chain:    []string{"a:1", "b:2"},
	})
	require.NoError(t, err)

	_, err = DecodeBody(TypeWriteChunkRequest, body[:len(body)-3])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestTrailingBytesAreRejected(t *testing.T) { // A
	body, err := EncodeBody(&ReadChunkRequest{Filename: "f", Sequence: 2})
	require.NoError(t, err)
	_, err = DecodeBody(TypeReadChunkRequest, append(body, 0))
	assert.Error(t, err)
}

func TestHugeCountIsRejected(t *testing.T) { // A
	var e encoder
	e.u32(1 << 30)
	_, err := DecodeBody(TypeListFileResponse, e.buf.Bytes())
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadMessageCleanEOF(t *testing.T) { // A
	_, err := ReadMessage(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFailureResponseCarriesNoPayload(t *testing.T) { // A
	frame, err := Marshal(&ReadChunkResponse{
		Status:  StatusFailure,
		Payload: []byte("must not leak"),
	})
	require.NoError(t, err)
	got, err := Unmarshal(frame)
	require.NoError(t, err)
	assert.Nil(t, got.(*ReadChunkResponse).Payload)
}

func TestWriteChunkCursor(t *testing.T) { // A
	req := WriteChunkRequest{Chain: []string{"a", "b", "c"}}
	hop, ok := req.NextHop()
	assert.True(t, ok)
	assert.Equal(t, "a", hop)

	req = req.Advance().Advance()
	hop, ok = req.NextHop()
	assert.True(t, ok)
	assert.Equal(t, "c", hop)

	req = req.Advance()
	_, ok = req.NextHop()
	assert.False(t, ok)
	assert.Equal(t, int32(3), req.Position)
}
