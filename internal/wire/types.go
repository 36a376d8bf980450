// Package wire defines every message exchanged between
// controller, storage nodes and clients, and the binary
// codec for them.
//
// Each message starts with a 4-byte big-endian type tag.
// Variable-length fields carry a 4-byte big-endian
// length, strings are UTF-8, arrays carry a 4-byte
// element count.
package wire

import "fmt"

// MaxChainWidth bounds the length of a routing chain
// and any position in it.
const MaxChainWidth = 256

// MessageType is the type tag that starts every
// message on the wire.
type MessageType uint32

const (
	TypeRegister MessageType = iota + 1
	TypeRegisterResponse
	TypeHeartbeat
	TypeWriteFileRequest
	TypeWriteFileResponse
	TypeWriteChunkRequest
	TypeRedirectChunkRequest
	TypeReadFileRequest
	TypeReadFileResponse
	TypeReadChunkRequest
	TypeReadChunkResponse
	TypeListFileRequest
	TypeListFileResponse
)

func (t MessageType) String() string { // A
	switch t {
	case TypeRegister:
		return "Register"
	case TypeRegisterResponse:
		return "RegisterResponse"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeWriteFileRequest:
		return "WriteFileRequest"
	case TypeWriteFileResponse:
		return "WriteFileResponse"
	case TypeWriteChunkRequest:
		return "WriteChunkRequest"
	case TypeRedirectChunkRequest:
		return "RedirectChunkRequest"
	case TypeReadFileRequest:
		return "ReadFileRequest"
	case TypeReadFileResponse:
		return "ReadFileResponse"
	case TypeReadChunkRequest:
		return "ReadChunkRequest"
	case TypeReadChunkResponse:
		return "ReadChunkResponse"
	case TypeListFileRequest:
		return "ListFileRequest"
	case TypeListFileResponse:
		return "ListFileResponse"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Status is the two-valued result byte.
type Status uint8

const (
	StatusSuccess Status = 0
	StatusFailure Status = 1
)

func (s Status) String() string { // H
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// RegistrationKind distinguishes register from
// deregister requests.
type RegistrationKind uint8

const (
	KindRegister   RegistrationKind = 1
	KindDeregister RegistrationKind = 2
)

func (k RegistrationKind) String() string { // H
	switch k {
	case KindRegister:
		return "register"
	case KindDeregister:
		return "deregister"
	default:
		return fmt.Sprintf("RegistrationKind(%d)", uint8(k))
	}
}
