package sshconn

import "fmt"

// AuthError means the remote rejected the credential, or the credential
// itself is unusable (missing secret, unparsable key).
type AuthError struct {
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh auth to %s: %v", e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError covers unreachable hosts, timeouts, cancellation and
// handshake failures unrelated to credentials.
type NetworkError struct {
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ssh connect to %s: %v", e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the connection came up but the remote refused the
// session channel, the pty or the shell.
type ProtocolError struct {
	Addr string
	Step string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ssh %s on %s: %v", e.Step, e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
