package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/auth"
	"github.com/RubenOsiris073/ssh-manager/internal/config"
	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/directory"
	"github.com/RubenOsiris073/ssh-manager/internal/handlers"
	"github.com/RubenOsiris073/ssh-manager/internal/logging"
	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
	"github.com/RubenOsiris073/ssh-manager/internal/vault"
	"gopkg.in/yaml.v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-user":
			runCreateUser(os.Args[2:])
			return
		case "--reset-password":
			runResetPassword(os.Args[2:])
			return
		case "--import-connections":
			runImportConnections(os.Args[2:])
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	v, err := vault.New(config.Cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("Vault init: %v", err)
	}
	if config.Cfg.EncryptionSecret == config.DefaultEncryptionSecret {
		log.Printf("WARNING: SSHM_ENCRYPTION_SECRET is the built-in default; stored credentials are not protected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := initTokens(ctx)
	handlers.Tokens = tokens

	auditor := activity.InitGlobal(database.DB, config.Cfg.ActivityRetentionDays)
	purger, err := auditor.Schedule(activity.DefaultPurgeSpec)
	if err != nil {
		log.Fatalf("Activity purge: %v", err)
	}
	defer purger.Stop()

	dir := directory.NewGormDirectory(database.DB, v)
	handlers.Connections = dir

	dialer := sshconn.NewDialer(sshconn.Options{
		Timeout:           config.Cfg.DialTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
	})
	rl := relay.New(relay.Config{
		Directory: dir,
		Vault:     v,
		Verifier:  tokens,
		Dial:      relay.SSHDial(dialer),
	})
	handlers.Relay = rl
	handlers.Dialer = dialer
	handlers.AllowedOrigins = config.Cfg.AllowedOrigins

	reaper := &relay.Reaper{
		Registry:     rl.Registry(),
		Interval:     config.Cfg.ReapInterval,
		IdleTimeout:  config.Cfg.IdleTimeout,
		ConnectGrace: config.Cfg.DialTimeout + time.Minute,
	}
	handlers.Reaper = reaper
	go reaper.Run(ctx)

	srv := &http.Server{
		Addr:        config.Cfg.ListenAddr,
		Handler:     handlers.NewRouter(tokens),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	rl.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// initTokens builds the token issuer, sharing revocations through Redis when
// one is configured.
func initTokens(ctx context.Context) *auth.Issuer {
	key, err := auth.LoadKey(config.Cfg.TokenKey)
	if err != nil {
		log.Fatalf("Token key: %v", err)
	}

	var rev auth.Revocations = auth.NewMemoryRevocations()
	if config.Cfg.RedisAddr != "" {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rr, err := auth.NewRedisRevocations(pctx, config.Cfg.RedisAddr, config.Cfg.RedisPassword)
		cancel()
		if err != nil {
			log.Printf("WARNING: %v; token revocations stay in memory", err)
		} else {
			log.Printf("Token revocations stored in redis at %s", config.Cfg.RedisAddr)
			rev = rr
		}
	}
	return auth.NewIssuer(key, config.Cfg.TokenTTL, rev)
}

func initStore() {
	config.Load()
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
}

func runCreateUser(args []string) {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	email := fs.String("email", "", "Email (optional)")
	fs.Parse(args)

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: ssh-manager --create-user --username <user> --password <pass> [--email <email>]\n")
		os.Exit(1)
	}

	initStore()
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	user := &database.User{
		Username:     *username,
		Email:        *email,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("User '%s' created (id %s).\n", *username, user.ID)
}

func runResetPassword(args []string) {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "New password")
	fs.Parse(args)

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: ssh-manager --reset-password --username <user> --password <pass>\n")
		os.Exit(1)
	}

	initStore()
	defer database.Close()

	user, err := database.GetUserByUsername(*username)
	if err != nil {
		log.Fatalf("User '%s' not found", *username)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	if err := database.UpdateUserPassword(user.ID, hash); err != nil {
		log.Fatalf("Failed to update password: %v", err)
	}
	fmt.Printf("Password for '%s' has been reset.\n", *username)
}

// connectionFile is the YAML accepted by --import-connections.
type connectionFile struct {
	Connections []directory.NewConnection `yaml:"connections"`
}

func parseConnectionFile(raw []byte) ([]directory.NewConnection, error) {
	var cf connectionFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, err
	}
	return cf.Connections, nil
}

func runImportConnections(args []string) {
	fs := flag.NewFlagSet("import-connections", flag.ExitOnError)
	owner := fs.String("owner", "", "Username that will own the connections")
	file := fs.String("file", "", "YAML file with a top-level connections list")
	fs.Parse(args)

	if *owner == "" || *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: ssh-manager --import-connections --owner <user> --file <connections.yaml>\n")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Read %s: %v", *file, err)
	}
	conns, err := parseConnectionFile(raw)
	if err != nil {
		log.Fatalf("Parse %s: %v", *file, err)
	}

	initStore()
	defer database.Close()

	user, err := database.GetUserByUsername(*owner)
	if err != nil {
		log.Fatalf("User '%s' not found", *owner)
	}
	v, err := vault.New(config.Cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("Vault init: %v", err)
	}
	dir := directory.NewGormDirectory(database.DB, v)

	imported := 0
	for i, nc := range conns {
		c, err := dir.Create(context.Background(), user.ID, nc)
		if err != nil {
			log.Printf("Skipping entry %d (%s): %v", i+1, nc.Name, err)
			continue
		}
		imported++
		fmt.Printf("Imported %s -> %s@%s:%d (id %s)\n", c.Name, c.Username, c.Host, c.Port, c.ID)
	}
	fmt.Printf("%d of %d connections imported for '%s'.\n", imported, len(conns), *owner)
}
