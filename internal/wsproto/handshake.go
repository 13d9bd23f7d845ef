package wsproto

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gobwas/httphead"
)

// RFC6455: the accept value is base64(sha1(key + magic)).
const magic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// RFC6455: the key is a base64-encoded 16-byte nonce.
const nonceKeySize = 16

var (
	ErrMissingKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrMalformedKey = errors.New("malformed Sec-WebSocket-Key header")
	ErrBadMethod    = errors.New("websocket upgrade requires GET")
)

// HandshakeError is a rejected upgrade attempt. Status is the HTTP status the
// server answers with.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Accept computes the Sec-WebSocket-Accept value for the client key.
func Accept(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", &HandshakeError{Err: ErrMissingKey, Status: http.StatusBadRequest}
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != nonceKeySize {
		return "", &HandshakeError{Err: ErrMalformedKey, Status: http.StatusBadRequest}
	}
	sum := sha1.Sum([]byte(key + magic))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// WriteUpgrade writes the 101 response completing the handshake.
func WriteUpgrade(w io.Writer, accept string) error {
	_, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: websocket\r\n"+
		"Sec-WebSocket-Accept: "+accept+"\r\n"+
		"\r\n")
	return err
}

// IsUpgradeRequest reports whether the headers ask for a websocket upgrade.
// The method is not checked so callers can reject non-GET attempts
// explicitly.
func IsUpgradeRequest(h http.Header) bool {
	if !strings.EqualFold(strings.TrimSpace(h.Get("Upgrade")), "websocket") {
		return false
	}
	for _, v := range h.Values("Connection") {
		if hasToken([]byte(v), []byte("upgrade")) {
			return true
		}
	}
	return false
}

// CheckRequest validates an upgrade request and returns the accept value.
func CheckRequest(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", &HandshakeError{Err: ErrBadMethod, Status: http.StatusBadRequest}
	}
	return Accept(r.Header.Get("Sec-WebSocket-Key"))
}

func hasToken(header, token []byte) (has bool) {
	httphead.ScanTokens(header, func(v []byte) bool {
		has = bytes.EqualFold(v, token)
		return !has
	})
	return has
}
