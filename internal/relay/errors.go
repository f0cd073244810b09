package relay

import (
	"errors"
	"fmt"

	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("session belongs to another user")
	ErrSessionNotOpen  = errors.New("session is not open")

	errAlreadyAttached = errors.New("session already has a transport")
)

// LookupError means the directory could not produce a record for the
// requested connection. No session is left behind.
type LookupError struct {
	ConnectionID string
	Err          error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup connection %s: %v", e.ConnectionID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// DecryptError means a stored secret for the connection is corrupt or was
// encrypted under a different key.
type DecryptError struct {
	ConnectionID string
	Field        string
	Err          error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s for connection %s: %v", e.Field, e.ConnectionID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Error codes carried in error events.
const (
	CodeBadRequest      = "bad_request"
	CodeUnknownType     = "unknown_type"
	CodeTooLarge        = "message_too_large"
	CodeRateLimited     = "rate_limited"
	CodeAlreadyAuthed   = "already_authenticated"
	CodeSessionNotFound = "session_not_found"
	CodeForbidden       = "forbidden"
	CodeSessionNotOpen  = "session_not_open"
	CodeInputOverflow   = "input_overflow"
	CodeWriteFailed     = "write_failed"
	CodeResizeFailed    = "resize_failed"

	CodeConnectionNotFound = "connection_not_found"
	CodeDecryptFailed      = "decrypt_failed"
	CodeSSHAuthFailed      = "ssh_auth_failed"
	CodeSSHUnreachable     = "ssh_unreachable"
	CodeSSHRefused         = "ssh_refused"
	CodeOpenCancelled      = "open_cancelled"
	CodeOpenFailed         = "open_failed"
)

// classifyOpenError maps a failed open to an error code and whether it is
// fatal. Fatal errors mean the session could not be kept or established and
// a retry may succeed; non-fatal ones point at the request or the saved
// connection itself.
func classifyOpenError(err error) (code string, fatal bool) {
	var (
		lookupErr  *LookupError
		decryptErr *DecryptError
		authErr    *sshconn.AuthError
		netErr     *sshconn.NetworkError
		protoErr   *sshconn.ProtocolError
	)
	switch {
	case errors.As(err, &lookupErr):
		return CodeConnectionNotFound, false
	case errors.As(err, &decryptErr):
		return CodeDecryptFailed, false
	case errors.As(err, &authErr):
		return CodeSSHAuthFailed, false
	case errors.As(err, &protoErr):
		return CodeSSHRefused, false
	case errors.As(err, &netErr):
		return CodeSSHUnreachable, true
	}
	return CodeOpenFailed, true
}
