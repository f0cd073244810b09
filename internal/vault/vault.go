// Package vault encrypts connection secrets at rest.
//
// Values are AES-256-CBC with PKCS#7 padding under a key derived from a
// server-held secret with scrypt. Each Encrypt call draws a fresh IV, and the
// stored form is hex(iv) ":" hex(ciphertext).
//
// Decrypt accepts undelimited values as legacy plaintext and returns them
// unchanged with Result.Legacy set, so callers can find and re-encrypt those
// rows. Anything that carries the delimiter but does not decrypt cleanly is
// an error.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Delimiter separates the hex IV from the hex ciphertext.
const Delimiter = ":"

const keySalt = "salt"

// ErrDecrypt is returned for delimited values that cannot be decrypted.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Result is the outcome of Decrypt.
type Result struct {
	Plaintext string
	// Legacy is true when the stored value had no delimiter and was passed
	// through as-is.
	Legacy bool
}

// Vault holds the derived key. It is immutable and safe for concurrent use.
type Vault struct {
	block cipher.Block
}

// New derives the AES-256 key from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: empty secret")
	}
	key, err := scrypt.Key([]byte(secret), []byte(keySalt), 1<<14, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{block: block}, nil
}

// Encrypt returns hex(iv):hex(ciphertext). The empty string encrypts to "".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}
	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(v.block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + Delimiter + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. See the package comment for the legacy rule.
func (v *Vault) Decrypt(value string) (Result, error) {
	if value == "" {
		return Result{}, nil
	}
	ivHex, ctHex, ok := strings.Cut(value, Delimiter)
	if !ok {
		log.Printf("[vault] WARNING: undelimited secret treated as legacy plaintext (%d bytes); re-encrypt this record", len(value))
		return Result{Plaintext: value, Legacy: true}, nil
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return Result{}, fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	if len(iv) != aes.BlockSize {
		return Result{}, fmt.Errorf("%w: iv length %d", ErrDecrypt, len(iv))
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return Result{}, fmt.Errorf("%w: ciphertext: %v", ErrDecrypt, err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return Result{}, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(ct))
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(v.block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out)
	if err != nil {
		return Result{}, err
	}
	return Result{Plaintext: string(plain)}, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
