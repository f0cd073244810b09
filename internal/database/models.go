package database

import "time"

type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:50" json:"username"`
	Email        string    `gorm:"size:255" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Connection is a saved remote shell endpoint. Password, PrivateKey and
// Passphrase hold vault ciphertext ("ivhex:cthex"); rows written before
// encryption was introduced may still carry plaintext.
type Connection struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	UserID        string     `gorm:"not null;index;size:36" json:"user_id"`
	Name          string     `gorm:"not null;size:100" json:"name"`
	Host          string     `gorm:"not null;size:255" json:"host"`
	Port          int        `gorm:"not null;default:22" json:"port"`
	Username      string     `gorm:"not null;size:100" json:"username"`
	AuthMethod    string     `gorm:"not null;default:password;size:16" json:"auth_method"`
	Password      string     `gorm:"type:text" json:"-"`
	PrivateKey    string     `gorm:"type:text" json:"-"`
	Passphrase    string     `gorm:"type:text" json:"-"`
	Notes         string     `gorm:"type:text" json:"notes"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type ActivityLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"index;size:36" json:"user_id"`
	ConnectionID string    `gorm:"index;size:36" json:"connection_id,omitempty"`
	SessionID    string    `gorm:"size:36" json:"session_id,omitempty"`
	Action       string    `gorm:"not null;size:50;index" json:"action"`
	Details      string    `gorm:"type:text" json:"details"`
	IPAddress    string    `gorm:"size:64" json:"ip_address,omitempty"`
	Success      bool      `gorm:"not null;default:true" json:"success"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
