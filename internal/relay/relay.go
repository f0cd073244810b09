// Package relay bridges authenticated control channels to remote shells.
//
// A Registry owns every Session for its whole life. Channels come and go:
// a channel that drops leaves its open sessions running, and any later
// channel authenticated as the same owner can resume them by referencing
// their ids. Output produced while no channel is bound is held (bounded) and
// flushed to the next one. The Reaper removes sessions nobody comes back for.
package relay

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/directory"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
	"github.com/RubenOsiris073/ssh-manager/internal/vault"
)

const defaultAuthTimeout = 30 * time.Second

// Verifier turns a bearer token into an owner id.
type Verifier interface {
	Verify(token string) (ownerID string, err error)
}

// Decrypter opens stored secrets. *vault.Vault implements it.
type Decrypter interface {
	Decrypt(value string) (vault.Result, error)
}

// DialFunc opens a remote shell for cred. It must honor ctx cancellation.
type DialFunc func(ctx context.Context, cred sshconn.Credential, cols, rows int) (Transport, error)

// SSHDial adapts an sshconn.Dialer to a DialFunc.
func SSHDial(d *sshconn.Dialer) DialFunc {
	return func(ctx context.Context, cred sshconn.Credential, cols, rows int) (Transport, error) {
		h, err := d.Dial(ctx, cred, cols, rows)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Config wires a Relay to its collaborators.
type Config struct {
	Registry  *Registry
	Directory directory.Directory
	Vault     Decrypter
	Verifier  Verifier
	Dial      DialFunc

	// AuthTimeout bounds how long a new channel may stay unauthenticated.
	AuthTimeout time.Duration
}

type Relay struct {
	reg         *Registry
	dir         directory.Directory
	vault       Decrypter
	verifier    Verifier
	dial        DialFunc
	authTimeout time.Duration

	nextChannel atomic.Uint64
}

func New(cfg Config) *Relay {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	return &Relay{
		reg:         cfg.Registry,
		dir:         cfg.Directory,
		vault:       cfg.Vault,
		verifier:    cfg.Verifier,
		dial:        cfg.Dial,
		authTimeout: cfg.AuthTimeout,
	}
}

func (r *Relay) Registry() *Registry { return r.reg }

// establish resolves, decrypts and dials for s. It is bounded by s's
// context, which Remove cancels.
func (r *Relay) establish(s *Session) (Transport, error) {
	ctx := s.Context()

	rec, err := r.dir.Resolve(ctx, s.OwnerID, s.ConnectionID)
	if err != nil {
		return nil, &LookupError{ConnectionID: s.ConnectionID, Err: err}
	}

	cred := sshconn.Credential{
		Host:     rec.Host,
		Port:     rec.Port,
		Username: rec.Username,
	}
	secret, err := r.decrypt(rec.ID, "secret", rec.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	if rec.AuthMethod == directory.AuthKey {
		cred.PrivateKey = secret
		if cred.Passphrase, err = r.decrypt(rec.ID, "passphrase", rec.EncryptedPassphrase); err != nil {
			return nil, err
		}
	} else {
		cred.Password = secret
	}

	cols, rows := s.Size()
	return r.dial(ctx, cred, cols, rows)
}

func (r *Relay) decrypt(connectionID, field, value string) (string, error) {
	res, err := r.vault.Decrypt(value)
	if err != nil {
		return "", &DecryptError{ConnectionID: connectionID, Field: field, Err: err}
	}
	if res.Legacy {
		log.Printf("[relay] connection %s stores its %s as legacy plaintext; re-save it to encrypt", connectionID, field)
	}
	return res.Plaintext, nil
}

// pump forwards t's output to whichever channel is bound to s, then removes
// s and reports the close once t is done.
func (r *Relay) pump(s *Session, t Transport) {
	for chunk := range t.Output() {
		s.touch(r.reg.now())
		s.deliver(chunk)
	}
	<-t.Done()
	s.flushTail()

	reason := ReasonRemoteClosed
	if !r.reg.Remove(s.ID, reason) {
		reason = s.CloseReason()
	}
	log.Printf("[relay] session %s closed (%s)", s.ID, reason)
	activity.LogDisconnect(s.OwnerID, s.ConnectionID, s.ID, reason, time.Since(s.CreatedAt))
	s.emit(Event{Type: TypeClose, SessionID: s.ID, Reason: reason})
}

// Close removes a session on behalf of its owner, outside any channel.
func (r *Relay) Close(ownerID, sessionID string) error {
	s, ok := r.reg.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.OwnerID != ownerID {
		return ErrForbidden
	}
	if !r.reg.Remove(sessionID, ReasonAPIClosed) {
		return ErrSessionNotFound
	}
	return nil
}

// Shutdown removes every session.
func (r *Relay) Shutdown() {
	if n := r.reg.CloseAll(ReasonShutdown); n > 0 {
		log.Printf("[relay] closed %d sessions on shutdown", n)
	}
}
