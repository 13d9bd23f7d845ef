package core

import (
	"bytes"

	"github.com/goccy/go-json"

	"github.com/dkeye/wschat/internal/domain"
	"github.com/dkeye/wschat/internal/wsproto"
)

// ChatMessage is an accepted chat line together with its encoded frame.
// It is never mutated after construction.
type ChatMessage struct {
	Record domain.Record
	Frame  []byte
}

func NewChatMessage(rec domain.Record) *ChatMessage {
	return &ChatMessage{
		Record: rec,
		Frame:  wsproto.Encode(FormatRecord(rec)),
	}
}

// FormatRecord renders the broadcast payload
// { "user" : "<user>", "message" : "<text>" } with both values escaped as
// JSON strings.
func FormatRecord(rec domain.Record) []byte {
	var buf bytes.Buffer
	buf.Grow(len(rec.User) + len(rec.Text) + 32)
	buf.WriteString(`{ "user" : `)
	writeString(&buf, rec.User)
	buf.WriteString(`, "message" : `)
	writeString(&buf, rec.Text)
	buf.WriteString(` }`)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	// Drop the newline Encode appends.
	buf.Truncate(buf.Len() - 1)
}
