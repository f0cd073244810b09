package activity

import (
	"net"
	"net/http"
	"strings"
	"time"
)

func LogConnect(userID, connectionID, sessionID, ip string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			UserID:       userID,
			ConnectionID: connectionID,
			SessionID:    sessionID,
			Action:       ActionConnect,
			IPAddress:    ip,
		})
	}
}

// LogDisconnect records the end of a shell, including why it ended.
func LogDisconnect(userID, connectionID, sessionID, reason string, duration time.Duration) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			UserID:       userID,
			ConnectionID: connectionID,
			SessionID:    sessionID,
			Action:       ActionDisconnect,
			Details:      "reason=" + reason,
			Duration:     duration,
		})
	}
}

func LogFailed(userID, connectionID, ip, code string, err error) {
	if a := GetAuditor(); a != nil {
		details := "code=" + code
		if err != nil {
			details += " error=" + err.Error()
		}
		a.Log(Entry{
			UserID:       userID,
			ConnectionID: connectionID,
			Action:       ActionConnectFailed,
			Details:      details,
			IPAddress:    ip,
			Failed:       true,
		})
	}
}

// LogReaped records a forced removal by the reaper. It is kept separate
// from LogDisconnect so forced closes can be counted on their own.
func LogReaped(userID, connectionID, sessionID, reason string, idle time.Duration) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			UserID:       userID,
			ConnectionID: connectionID,
			SessionID:    sessionID,
			Action:       ActionSessionReaped,
			Details:      "reason=" + reason + " idle=" + idle.Round(time.Second).String(),
		})
	}
}

func LogLogin(userID, username, ip string, ok bool) {
	if a := GetAuditor(); a != nil {
		action := ActionLogin
		if !ok {
			action = ActionLoginFailed
		}
		a.Log(Entry{
			UserID:    userID,
			Action:    action,
			Details:   "username=" + username,
			IPAddress: ip,
			Failed:    !ok,
		})
	}
}

func LogLogout(userID, ip string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{UserID: userID, Action: ActionLogout, IPAddress: ip})
	}
}

func LogConnectionChange(userID, connectionID, action, name string) {
	if a := GetAuditor(); a != nil {
		a.Log(Entry{
			UserID:       userID,
			ConnectionID: connectionID,
			Action:       action,
			Details:      "name=" + name,
		})
	}
}

// SourceIP returns the client address of r, preferring X-Forwarded-For and
// X-Real-IP.
func SourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
