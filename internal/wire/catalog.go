package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024
)

var (
	// ErrMalformed wraps every failure to decode a
	// complete frame. The stream itself stays in sync.
	ErrMalformed = errors.New("wire: malformed message")
	// ErrUnknownType is returned for a type tag with no
	// decoder in the catalog.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// decoders is the single type -> decoder table.
var decoders = map[MessageType]func(*decoder) Message{
	TypeRegister:             decodeRegister,
	TypeRegisterResponse:     decodeRegisterResponse,
	TypeHeartbeat:            decodeHeartbeat,
	TypeWriteFileRequest:     decodeWriteFileRequest,
	TypeWriteFileResponse:    decodeWriteFileResponse,
	TypeWriteChunkRequest:    decodeWriteChunkRequest,
	TypeRedirectChunkRequest: decodeRedirectChunkRequest,
	TypeReadFileRequest:      decodeReadFileRequest,
	TypeReadFileResponse:     decodeReadFileResponse,
	TypeReadChunkRequest:     decodeReadChunkRequest,
	TypeReadChunkResponse:    decodeReadChunkResponse,
	TypeListFileRequest:      decodeListFileRequest,
	TypeListFileResponse:     decodeListFileResponse,
}

// EncodeBody returns the field encoding of msg without
// the type tag.
func EncodeBody(msg Message) ([]byte, error) { // A
	if msg == nil {
		return nil, errors.New("wire: nil message")
	}
	var e encoder
	msg.encode(&e)
	if e.buf.Len() > maxPayload {
		return nil, fmt.Errorf(
			"wire: %s payload exceeds %dMB limit",
			msg.Type(),
			maxPayloadMB,
		)
	}
	return e.buf.Bytes(), nil
}

// DecodeBody decodes the fields of a message of type t.
func DecodeBody(t MessageType, body []byte) (Message, error) { // A
	decode, ok := decoders[t]
	if !ok {
		return nil, fmt.Errorf(
			"%w: %w: %d", ErrMalformed, ErrUnknownType, uint32(t),
		)
	}
	d := decoder{data: body}
	msg := decode(&d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrMalformed, t, err)
	}
	return msg, nil
}

// Marshal returns the full frame for msg:
//
//	[4B type big-endian uint32]
//	[4B body length big-endian uint32]
//	[N bytes body]
func Marshal(msg Message) ([]byte, error) { // A
	body, err := EncodeBody(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(msg.Type()))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Unmarshal decodes one full frame produced by Marshal.
func Unmarshal(data []byte) (Message, error) { // A
	if len(data) < headerSize {
		return nil, errors.New("wire: data too short for header")
	}
	t := MessageType(binary.BigEndian.Uint32(data[:4]))
	bodyLen := binary.BigEndian.Uint32(data[4:8])
	if int(bodyLen) != len(data)-headerSize {
		return nil, fmt.Errorf(
			"wire: body length %d does not match data length %d",
			bodyLen,
			len(data)-headerSize,
		)
	}
	return DecodeBody(t, data[headerSize:])
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, msg Message) error { // A
	frame, err := Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	return nil
}

// ReadMessage reads and decodes one framed message.
// A clean end of stream before the header is returned
// as io.EOF.
func ReadMessage(r io.Reader) (Message, error) { // A
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := MessageType(binary.BigEndian.Uint32(hdr[:4]))
	bodyLen := binary.BigEndian.Uint32(hdr[4:])
	if bodyLen > maxPayload {
		return nil, fmt.Errorf(
			"body length %d exceeds %dMB limit",
			bodyLen,
			maxPayloadMB,
		)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return DecodeBody(t, body)
}
