// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	ErrUsernameEmpty = errors.New("username empty")
	ErrMessageEmpty  = errors.New("message empty")
)

// ClientID identifies one websocket connection.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// Record is one chat line as it is persisted and replayed.
type Record struct {
	User string `json:"user"`
	Text string `json:"message"`
}

// ParseRecord splits a chat payload "<user> <text>" on the first run of
// whitespace. The text keeps its inner spacing.
func ParseRecord(payload string) (Record, error) {
	payload = strings.TrimLeftFunc(payload, unicode.IsSpace)
	i := strings.IndexFunc(payload, unicode.IsSpace)
	if i < 0 {
		if payload == "" {
			return Record{}, ErrUsernameEmpty
		}
		return Record{}, ErrMessageEmpty
	}
	text := strings.TrimLeftFunc(payload[i:], unicode.IsSpace)
	if text == "" {
		return Record{}, ErrMessageEmpty
	}
	return Record{User: payload[:i], Text: text}, nil
}
