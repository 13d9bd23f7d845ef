// Package wsproto implements the subset of RFC 6455 the chat server speaks:
// the opening handshake and single-frame text messaging.
//
// Frame layout:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
package wsproto

import (
	"errors"
	"fmt"
)

// OpCode represents frame opcode.
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xa
)

// IsControl reports whether opcode is a control frame opcode.
func (c OpCode) IsControl() bool {
	return c&0x8 != 0
}

func (c OpCode) String() string {
	switch c {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%#x)", byte(c))
	}
}

const (
	bit0 = 0x80

	len7  = int64(125)
	len16 = int64(^(uint16(0)))

	// MaxHeaderSize is the largest header a frame may carry:
	// 2 fixed bytes, 8 bytes of extended length and 4 bytes of mask.
	MaxHeaderSize = 14
	// MinHeaderSize is the size of a header without extended length and mask.
	MinHeaderSize = 2
)

// Header represents a frame header. Reserved bits are read but ignored.
type Header struct {
	Fin    bool
	Rsv    byte
	OpCode OpCode
	Masked bool
	Mask   [4]byte
	Length int64
}

// Frame is a decoded frame. Payload is already unmasked.
type Frame struct {
	Header  Header
	Payload []byte
}

var (
	// ErrClosed is returned by the decoder when the peer sent a close frame.
	ErrClosed = errors.New("wsproto: close frame received")
	// ErrHeaderLengthMSB is returned for a 64-bit length with the top bit set.
	ErrHeaderLengthMSB = errors.New("wsproto: the most significant bit of length must be 0")
	// ErrFrameTooLarge is returned when a payload exceeds the read limit.
	ErrFrameTooLarge = errors.New("wsproto: frame too large")
	// ErrUnmaskedFrame is returned for client frames without a mask.
	ErrUnmaskedFrame = errors.New("wsproto: client frame is not masked")
	// ErrNotText is returned when a text frame was required.
	ErrNotText = errors.New("wsproto: not a text frame")
)

// FrameError ties a decode failure to the opcode of the frame being read.
type FrameError struct {
	Err    error
	OpCode OpCode
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame: %v", e.OpCode, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// HeaderSize returns the size of an unmasked server header for a payload of n
// bytes.
func HeaderSize(n int) int {
	switch l := int64(n); {
	case l <= len7:
		return MinHeaderSize
	case l <= len16:
		return MinHeaderSize + 2
	default:
		return MinHeaderSize + 8
	}
}

// CloseFrame is an empty server close frame.
var CloseFrame = []byte{bit0 | byte(OpClose), 0}
