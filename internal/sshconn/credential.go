package sshconn

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Credential is everything needed to open one shell. It is built from a
// directory record right before Dial and never stored.
type Credential struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// Validate checks that exactly one of password or private key is set.
func (c Credential) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	hasPassword := c.Password != ""
	hasKey := c.PrivateKey != ""
	switch {
	case hasPassword && hasKey:
		return errors.New("both password and private key supplied")
	case !hasPassword && !hasKey:
		return errors.New("no password or private key supplied")
	}
	return nil
}

func (c Credential) port() int {
	if c.Port <= 0 {
		return 22
	}
	return c.Port
}

func (c Credential) authMethods() ([]ssh.AuthMethod, error) {
	if c.Password != "" {
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}

	var (
		signer ssh.Signer
		err    error
	)
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}
