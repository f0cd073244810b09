// Package directory resolves saved connection records for their owners.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/vault"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound means the connection does not exist or belongs to someone else.
// Callers cannot tell the two apart.
var ErrNotFound = errors.New("connection not found")

const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Record is what the relay needs to open a shell. Secrets stay encrypted
// until the relay decrypts them for a single dial.
type Record struct {
	ID                  string
	OwnerID             string
	Name                string
	Host                string
	Port                int
	Username            string
	AuthMethod          string
	EncryptedSecret     string
	EncryptedPassphrase string
}

// Directory looks up a connection by id on behalf of an owner.
type Directory interface {
	Resolve(ctx context.Context, ownerID, connectionID string) (*Record, error)
}

// NewConnection is the input to Create. Exactly one of Password and
// PrivateKey must be set.
type NewConnection struct {
	Name       string `json:"name" yaml:"name"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Notes      string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// ValidationError reports unusable NewConnection input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (n NewConnection) validate() error {
	switch {
	case strings.TrimSpace(n.Name) == "":
		return &ValidationError{"name is required"}
	case strings.TrimSpace(n.Host) == "":
		return &ValidationError{"host is required"}
	case strings.TrimSpace(n.Username) == "":
		return &ValidationError{"username is required"}
	case n.Port < 0 || n.Port > 65535:
		return &ValidationError{fmt.Sprintf("invalid port %d", n.Port)}
	case (n.Password == "") == (n.PrivateKey == ""):
		return &ValidationError{"exactly one of password or private_key is required"}
	}
	return nil
}

// GormDirectory stores connections in the connections table.
type GormDirectory struct {
	db    *gorm.DB
	vault *vault.Vault
}

func NewGormDirectory(db *gorm.DB, v *vault.Vault) *GormDirectory {
	return &GormDirectory{db: db, vault: v}
}

func (d *GormDirectory) Resolve(ctx context.Context, ownerID, connectionID string) (*Record, error) {
	var c database.Connection
	err := d.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", connectionID, ownerID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	rec := &Record{
		ID:         c.ID,
		OwnerID:    c.UserID,
		Name:       c.Name,
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		AuthMethod: c.AuthMethod,
	}
	if c.AuthMethod == AuthKey {
		rec.EncryptedSecret = c.PrivateKey
		rec.EncryptedPassphrase = c.Passphrase
	} else {
		rec.AuthMethod = AuthPassword
		rec.EncryptedSecret = c.Password
	}
	return rec, nil
}

// Create encrypts the secrets and inserts a new connection for ownerID.
func (d *GormDirectory) Create(ctx context.Context, ownerID string, n NewConnection) (*database.Connection, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	c := database.Connection{
		ID:         uuid.NewString(),
		UserID:     ownerID,
		Name:       strings.TrimSpace(n.Name),
		Host:       strings.TrimSpace(n.Host),
		Port:       n.Port,
		Username:   strings.TrimSpace(n.Username),
		AuthMethod: AuthPassword,
		Notes:      n.Notes,
	}
	if c.Port == 0 {
		c.Port = 22
	}

	var err error
	if n.PrivateKey != "" {
		c.AuthMethod = AuthKey
		if c.PrivateKey, err = d.vault.Encrypt(n.PrivateKey); err != nil {
			return nil, err
		}
		if c.Passphrase, err = d.vault.Encrypt(n.Passphrase); err != nil {
			return nil, err
		}
	} else if c.Password, err = d.vault.Encrypt(n.Password); err != nil {
		return nil, err
	}

	if err := d.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return &c, nil
}

// Get returns one of ownerID's connections with secrets still encrypted.
func (d *GormDirectory) Get(ctx context.Context, ownerID, connectionID string) (*database.Connection, error) {
	var c database.Connection
	err := d.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", connectionID, ownerID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &c, nil
}

// ConnectionUpdate changes the non-nil fields of a connection. Setting
// Password switches it to password auth and drops any key; setting
// PrivateKey does the reverse.
type ConnectionUpdate struct {
	Name       *string `json:"name,omitempty"`
	Host       *string `json:"host,omitempty"`
	Port       *int    `json:"port,omitempty"`
	Username   *string `json:"username,omitempty"`
	Password   *string `json:"password,omitempty"`
	PrivateKey *string `json:"private_key,omitempty"`
	Passphrase *string `json:"passphrase,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// Update applies u to one of ownerID's connections.
func (d *GormDirectory) Update(ctx context.Context, ownerID, connectionID string, u ConnectionUpdate) (*database.Connection, error) {
	if u.Password != nil && u.PrivateKey != nil && *u.Password != "" && *u.PrivateKey != "" {
		return nil, &ValidationError{"exactly one of password or private_key is required"}
	}

	var c database.Connection
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND user_id = ?", connectionID, ownerID).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := d.apply(&c, u); err != nil {
			return err
		}
		return tx.Save(&c).Error
	})
	if err != nil {
		var ve *ValidationError
		if errors.Is(err, ErrNotFound) || errors.As(err, &ve) {
			return nil, err
		}
		return nil, fmt.Errorf("update connection: %w", err)
	}
	return &c, nil
}

func (d *GormDirectory) apply(c *database.Connection, u ConnectionUpdate) error {
	if u.Name != nil {
		c.Name = strings.TrimSpace(*u.Name)
	}
	if u.Host != nil {
		c.Host = strings.TrimSpace(*u.Host)
	}
	if u.Username != nil {
		c.Username = strings.TrimSpace(*u.Username)
	}
	if u.Port != nil {
		c.Port = *u.Port
		if c.Port == 0 {
			c.Port = 22
		}
	}
	if u.Notes != nil {
		c.Notes = *u.Notes
	}
	switch {
	case c.Name == "":
		return &ValidationError{"name is required"}
	case c.Host == "":
		return &ValidationError{"host is required"}
	case c.Username == "":
		return &ValidationError{"username is required"}
	case c.Port < 0 || c.Port > 65535:
		return &ValidationError{fmt.Sprintf("invalid port %d", c.Port)}
	}

	var err error
	switch {
	case u.Password != nil && *u.Password != "":
		if c.Password, err = d.vault.Encrypt(*u.Password); err != nil {
			return err
		}
		c.AuthMethod, c.PrivateKey, c.Passphrase = AuthPassword, "", ""
	case u.PrivateKey != nil && *u.PrivateKey != "":
		if c.PrivateKey, err = d.vault.Encrypt(*u.PrivateKey); err != nil {
			return err
		}
		passphrase := ""
		if u.Passphrase != nil {
			passphrase = *u.Passphrase
		}
		if c.Passphrase, err = d.vault.Encrypt(passphrase); err != nil {
			return err
		}
		c.AuthMethod, c.Password = AuthKey, ""
	case u.Passphrase != nil:
		if c.AuthMethod != AuthKey {
			return &ValidationError{"passphrase requires key authentication"}
		}
		if c.Passphrase, err = d.vault.Encrypt(*u.Passphrase); err != nil {
			return err
		}
	}
	return nil
}

// List returns ownerID's connections ordered by name.
func (d *GormDirectory) List(ctx context.Context, ownerID string) ([]database.Connection, error) {
	var conns []database.Connection
	if err := d.db.WithContext(ctx).Where("user_id = ?", ownerID).Order("name").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (d *GormDirectory) Delete(ctx context.Context, ownerID, connectionID string) error {
	res := d.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", connectionID, ownerID).
		Delete(&database.Connection{})
	if res.Error != nil {
		return fmt.Errorf("delete connection: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records a successful connect.
func (d *GormDirectory) Touch(ctx context.Context, connectionID string, at time.Time) error {
	return d.db.WithContext(ctx).Model(&database.Connection{}).
		Where("id = ?", connectionID).
		Update("last_connected", at).Error
}
