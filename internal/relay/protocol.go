package relay

import (
	"encoding/json"
	"unicode/utf8"
)

// Client to relay message types.
const (
	TypeAuth   = "auth"
	TypeOpen   = "open"
	TypeData   = "data"
	TypeResize = "resize"
	TypeClose  = "close"
	TypeAttach = "attach"
	TypePing   = "ping"
)

// Relay to client event types. TypeData and TypeClose are shared.
const (
	TypeWelcome     = "welcome"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypeConnected   = "connected"
	TypeError       = "error"
	TypePong        = "pong"
)

// Message is one client to relay frame.
type Message struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Data         string `json:"data,omitempty"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

// Event is one relay to client frame.
type Event struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Data         string `json:"data,omitempty"`
	Message      string `json:"message,omitempty"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	// Fatal is set on error events only.
	Fatal   *bool `json:"fatal,omitempty"`
	Resumed bool  `json:"resumed,omitempty"`
}

func errorEvent(sessionID, code, message string, fatal bool) Event {
	return Event{Type: TypeError, SessionID: sessionID, Code: code, Message: message, Fatal: &fatal}
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}

// splitUTF8 returns the longest prefix of b that does not end in the middle
// of a multi-byte sequence, and the incomplete remainder. Bytes that can
// never complete a rune are left in the prefix.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
