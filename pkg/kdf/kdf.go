// Package kdf wraps the password hashing primitive used for account
// credentials. The state machine treats the output as an opaque blob;
// only the session layer ever derives or verifies hashes.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	iterations = 100_000
	keyLen     = sha256.Size
)

// Credential is the stored form of a password.
type Credential struct {
	Hash []byte `json:"hash"`
	Salt []byte `json:"salt"`
}

// Derive hashes a password with a fresh random salt.
func Derive(password string) (Credential, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("kdf: salt generation: %w", err)
	}

	return Credential{
		Hash: pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New),
		Salt: salt,
	}, nil
}

// Verify reports whether password matches the stored credential.
// Comparison is constant-time.
func Verify(password string, cred Credential) bool {
	derived := pbkdf2.Key([]byte(password), cred.Salt, iterations, keyLen, sha256.New)
	return subtle.ConstantTimeCompare(derived, cred.Hash) == 1
}
