package wsproto

import (
	"encoding/binary"
	"io"
	"math"
)

// ReadHeader reads a frame header from r.
func ReadHeader(r io.Reader) (h Header, err error) {
	// Two bytes are always present; the capacity covers the common client case
	// of a 16-bit length plus mask so the slice is reused.
	bts := make([]byte, 2, 8)
	if _, err = io.ReadFull(r, bts); err != nil {
		return h, err
	}

	h.Fin = bts[0]&bit0 != 0
	h.Rsv = (bts[0] & 0x70) >> 4
	h.OpCode = OpCode(bts[0] & 0x0f)
	h.Masked = bts[1]&bit0 != 0

	var extra int
	if h.Masked {
		extra += 4
	}

	length := bts[1] & 0x7f
	switch {
	case length < 126:
		h.Length = int64(length)
	case length == 126:
		extra += 2
	default:
		extra += 8
	}

	if extra == 0 {
		return h, nil
	}

	if extra <= cap(bts) {
		bts = bts[:extra]
	} else {
		bts = make([]byte, extra)
	}
	if _, err = io.ReadFull(r, bts); err != nil {
		return h, unexpected(err)
	}

	switch length {
	case 126:
		h.Length = int64(binary.BigEndian.Uint16(bts[:2]))
		bts = bts[2:]
	case 127:
		if bts[0]&bit0 != 0 {
			return h, ErrHeaderLengthMSB
		}
		h.Length = int64(binary.BigEndian.Uint64(bts[:8]))
		bts = bts[8:]
	}

	if h.Masked {
		copy(h.Mask[:], bts)
	}
	return h, nil
}

// MaxPayloadSize caps a payload when a Reader has no positive Limit.
const MaxPayloadSize = 1 << 20

// Reader decodes whole frames from a stream.
type Reader struct {
	// Limit bounds a payload. Zero or less means MaxPayloadSize.
	Limit int64
	// Masked rejects frames without a masking key, as a server must.
	Masked bool
	// Alloc returns a buffer of length n for the payload. Nil uses make.
	Alloc func(n int) []byte
}

// Decode reads one frame from r and unmasks its payload. A close frame is
// reported as ErrClosed. The payload is allocated only after the header
// passed the mask and size checks.
func (rd Reader) Decode(r io.Reader) (f Frame, err error) {
	f.Header, err = ReadHeader(r)
	if err != nil {
		return f, err
	}
	if rd.Masked && !f.Header.Masked {
		return f, &FrameError{Err: ErrUnmaskedFrame, OpCode: f.Header.OpCode}
	}
	limit := rd.Limit
	if limit <= 0 {
		limit = MaxPayloadSize
	}
	if f.Header.Length > limit || f.Header.Length > math.MaxInt {
		return f, &FrameError{Err: ErrFrameTooLarge, OpCode: f.Header.OpCode}
	}

	n := int(f.Header.Length)
	if rd.Alloc != nil {
		f.Payload = rd.Alloc(n)
	} else {
		f.Payload = make([]byte, n)
	}
	if err = ReadPayload(r, f.Header, f.Payload); err != nil {
		return f, err
	}
	if f.Header.OpCode == OpClose {
		return f, ErrClosed
	}
	return f, nil
}

// ReadPayload fills p with the payload described by h and unmasks it in place.
// len(p) must equal h.Length.
func ReadPayload(r io.Reader, h Header, p []byte) error {
	if _, err := io.ReadFull(r, p); err != nil {
		return &FrameError{Err: unexpected(err), OpCode: h.OpCode}
	}
	if h.Masked {
		Cipher(p, h.Mask, 0)
	}
	return nil
}

// Cipher applies XOR cipher to the payload using mask. Offset is used to
// cipher chunked data.
func Cipher(payload []byte, mask [4]byte, offset int) {
	for i := range payload {
		payload[i] ^= mask[(offset+i)%4]
	}
}

// Header bytes already consumed means EOF is no longer a clean end of stream.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
