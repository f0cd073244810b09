// Command relayterm attaches the local terminal to a relayed SSH session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/relayclient"
	"golang.org/x/term"
)

func main() {
	url := flag.String("url", "ws://localhost:3001/ws", "Relay WebSocket URL")
	token := flag.String("token", os.Getenv("SSHM_TOKEN"), "Auth token (default $SSHM_TOKEN)")
	connection := flag.String("connection", "", "Connection id to open")
	session := flag.String("session", "", "Existing session id to resume")
	attempts := flag.Int("max-attempts", relayclient.DefaultMaxAttempts, "Reconnect attempts before giving up")
	flag.Parse()

	if *token == "" || (*connection == "" && *session == "") {
		fmt.Fprintf(os.Stderr, "Usage: relayterm -token <token> (-connection <id> | -session <id>) [-url ws://host:3001/ws]\n")
		os.Exit(2)
	}
	log.SetOutput(io.Discard)

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = w, h
	}

	client := relayclient.New(relayclient.Config{
		URL:          *url,
		Token:        *token,
		ConnectionID: *connection,
		SessionID:    *session,
		Cols:         cols,
		Rows:         rows,
		MaxAttempts:  *attempts,
		OnState: func(s relayclient.State) {
			if s == relayclient.StateReconnecting {
				fmt.Fprint(os.Stderr, "\r\n[relayterm] connection lost, reconnecting...\r\n")
			}
		},
	})

	restore := func() {}
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayterm: raw mode: %v\n", err)
			os.Exit(1)
		}
		restore = func() { term.Restore(fd, old) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	go pumpInput(client)
	go watchSize(ctx, client, fd, cols, rows)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	for p := range client.Output() {
		os.Stdout.Write(p)
	}
	err := <-done
	restore()

	if sid := client.SessionID(); sid != "" && errors.Is(err, relayclient.ErrGaveUp) {
		fmt.Fprintf(os.Stderr, "relayterm: giving up; resume with -session %s\n", sid)
	}
	if code := exitCode(err); code != 0 {
		fmt.Fprintf(os.Stderr, "relayterm: %v\n", err)
		stop()
		os.Exit(code)
	}
}

// pumpInput forwards stdin. Keystrokes typed while detached are dropped.
func pumpInput(c *relayclient.Client) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil && !errors.Is(werr, relayclient.ErrNotOpen) {
				return
			}
		}
		if err != nil {
			c.Close()
			return
		}
	}
}

func watchSize(ctx context.Context, c *relayclient.Client, fd, cols, rows int) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w, h, err := term.GetSize(fd)
			if err != nil || (w == cols && h == rows) {
				continue
			}
			cols, rows = w, h
			c.Resize(cols, rows)
		}
	}
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, relayclient.ErrClosed), errors.Is(err, relayclient.ErrSessionClosed):
		return 0
	case errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}
