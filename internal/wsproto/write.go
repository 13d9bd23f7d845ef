package wsproto

import "encoding/binary"

// Encode builds a complete unmasked server text frame carrying payload.
// The first byte is always FIN|text (0x81).
func Encode(payload []byte) []byte {
	n := HeaderSize(len(payload))
	bts := make([]byte, n+len(payload))
	putHeader(bts, int64(len(payload)))
	copy(bts[n:], payload)
	return bts
}

func putHeader(bts []byte, length int64) {
	bts[0] = bit0 | byte(OpText)
	switch {
	case length <= len7:
		bts[1] = byte(length)
	case length <= len16:
		bts[1] = 126
		binary.BigEndian.PutUint16(bts[2:], uint16(length))
	default:
		bts[1] = 127
		binary.BigEndian.PutUint64(bts[2:], uint64(length))
	}
}
