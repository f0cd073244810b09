package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	TokenCookie     = "auth-token"
	BcryptCost      = 12

	tokenKeySetting = "token_key"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrRevoked      = errors.New("token has been revoked")
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Claims is the payload sealed inside a bearer token.
type Claims struct {
	UserID   string    `json:"uid"`
	Username string    `json:"usr"`
	ID       string    `json:"jti"`
	IssuedAt time.Time `json:"iat"`
}

// LoadKey decodes configured, or when it is empty returns the key persisted
// in settings, generating and saving one on first use.
func LoadKey(configured string) (*fernet.Key, error) {
	if configured != "" {
		key, err := fernet.DecodeKey(configured)
		if err != nil {
			return nil, fmt.Errorf("decode token key: %w", err)
		}
		return key, nil
	}

	keyStr, err := database.GetSetting(tokenKeySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		if err := database.SetSetting(tokenKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save token key: %w", err)
		}
		log.Printf("[auth] generated new token signing key")
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	return key, nil
}

// Issuer mints and verifies Fernet bearer tokens. It implements the relay's
// token verifier.
type Issuer struct {
	key     *fernet.Key
	ttl     time.Duration
	revoked Revocations
	now     func() time.Time
}

// NewIssuer returns an Issuer. A nil rev disables revocation checks.
func NewIssuer(key *fernet.Key, ttl time.Duration, rev Revocations) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{key: key, ttl: ttl, revoked: rev, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a token for the user valid for the issuer's TTL.
func (i *Issuer) Issue(userID, username string) (string, error) {
	now := i.now()
	c := Claims{
		UserID:   userID,
		Username: username,
		ID:       uuid.NewString(),
		IssuedAt: now.UTC(),
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSignAtTime(payload, i.key, now)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// Parse checks the signature and age of token and returns its claims. It
// does not consult revocations.
func (i *Issuer) Parse(token string) (*Claims, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), i.ttl, []*fernet.Key{i.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(msg, &c); err != nil || c.UserID == "" || c.ID == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// Claims parses token and rejects revoked ones.
func (i *Issuer) Claims(ctx context.Context, token string) (*Claims, error) {
	c, err := i.Parse(token)
	if err != nil {
		return nil, err
	}
	if i.revoked != nil {
		revoked, err := i.revoked.IsRevoked(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return c, nil
}

// Verify returns the user id a valid, unrevoked token was issued to.
func (i *Issuer) Verify(token string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := i.Claims(ctx, token)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// Revoke invalidates token for the rest of its lifetime.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	c, err := i.Parse(token)
	if err != nil {
		return err
	}
	if i.revoked == nil {
		return nil
	}
	remaining := c.IssuedAt.Add(i.ttl).Sub(i.now())
	if remaining <= 0 {
		return nil
	}
	return i.revoked.Revoke(ctx, c.ID, remaining)
}
