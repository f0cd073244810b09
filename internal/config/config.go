package config

import (
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3001"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/ssh-manager.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// EncryptionSecret derives the vault key for stored passwords and keys.
	EncryptionSecret string        `envconfig:"ENCRYPTION_SECRET" default:"default-secret-key-change-in-production"`
	TokenKey         string        `envconfig:"TOKEN_KEY" default:""`
	TokenTTL         time.Duration `envconfig:"TOKEN_TTL" default:"168h"`

	// Relay settings
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"60s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"5m"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS" default:""`

	ActivityRetentionDays int `envconfig:"ACTIVITY_RETENTION_DAYS" default:"90"`

	// Token revocations go to Redis when set, memory otherwise.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
}

// DefaultEncryptionSecret is the built-in fallback secret. Data
// encrypted under it stays readable, but it should be replaced.
const DefaultEncryptionSecret = "default-secret-key-change-in-production"

var Cfg Settings

// Load reads an optional .env file from the working directory and then the
// SSHM_* environment.
func Load() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("WARNING: cannot read .env: %v", err)
	}
	if err := envconfig.Process("SSHM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
