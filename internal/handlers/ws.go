package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/coder/websocket"
)

// AllowedOrigins lists extra Origin host patterns accepted by /ws besides
// the request's own host.
var AllowedOrigins []string

// RelayWS upgrades to the relay control channel. Authentication happens
// in-band with the first message, so the route is not behind RequireAuth.
// GET /ws
func RelayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: AllowedOrigins,
	})
	if err != nil {
		log.Printf("[ws] accept from %s: %v", activity.SourceIP(r), err)
		return
	}
	defer conn.CloseNow()

	// Frames a little over the relay's cap are read so the relay can answer
	// them with an error instead of a dropped socket.
	conn.SetReadLimit(4 * relay.MaxMessageSize)

	Relay.Serve(r.Context(), &wsConn{conn: conn}, activity.SourceIP(r))
}

// wsConn adapts a coder/websocket connection to relay.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, p)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
