package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
)

// Dialer is set from main.go during init.
var Dialer *sshconn.Dialer

// credentialTestTimeout bounds POST /api/ssh/test independently of the
// relay's dial timeout.
const credentialTestTimeout = 10 * time.Second

type credentialTestRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type credentialTestResult struct {
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// POST /api/ssh/test
//
// Opens a shell with the supplied credentials and closes it at once. Dial
// failures are reported in the body with a 200; only malformed input is a
// 400.
func CheckCredentials(w http.ResponseWriter, r *http.Request) {
	var body credentialTestRequest
	if !decodeBody(w, r, &body) {
		return
	}
	cred := sshconn.Credential{
		Host:       strings.TrimSpace(body.Host),
		Port:       body.Port,
		Username:   strings.TrimSpace(body.Username),
		Password:   body.Password,
		PrivateKey: body.PrivateKey,
		Passphrase: body.Passphrase,
	}
	if err := cred.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Port < 0 || body.Port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), credentialTestTimeout)
	defer cancel()

	start := time.Now()
	h, err := Dialer.Dial(ctx, cred, 0, 0)
	if err != nil {
		writeJSON(w, http.StatusOK, credentialTestResult{Code: dialErrorCode(err), Error: err.Error()})
		return
	}
	h.Close()
	writeJSON(w, http.StatusOK, credentialTestResult{Success: true, LatencyMS: time.Since(start).Milliseconds()})
}

func dialErrorCode(err error) string {
	var (
		authErr  *sshconn.AuthError
		netErr   *sshconn.NetworkError
		protoErr *sshconn.ProtocolError
	)
	switch {
	case errors.As(err, &authErr):
		return relay.CodeSSHAuthFailed
	case errors.As(err, &protoErr):
		return relay.CodeSSHRefused
	case errors.As(err, &netErr):
		return relay.CodeSSHUnreachable
	}
	return relay.CodeOpenFailed
}
