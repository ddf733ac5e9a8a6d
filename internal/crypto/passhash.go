// Package crypto verifies presented secrets against stored credential markers.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters used when this service produces hashes.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// Upper bounds accepted from stored PHC strings.
const (
	maxArgonMemory  uint32 = 1 << 20 // 1 GB
	maxArgonTime    uint32 = 16
	maxArgonThreads uint8  = 16
	maxArgonKeyLen         = 128
)

var errBadPHC = errors.New("malformed argon2id hash")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns the Argon2id key of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// EncodeArgon2id hashes password with a fresh salt and returns a PHC string
// ($argon2id$v=19$m=...,t=...,p=...$salt$hash).
func EncodeArgon2id(password []byte) (string, error) {
	salt, err := RandBytes(16)
	if err != nil {
		return "", err
	}
	key := HashPassword(password, salt)
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyStoredCredential reports whether secret matches the stored credential marker.
// bcrypt and argon2id PHC hashes are verified as hashes; anything else is compared
// as an opaque marker in constant time.
func VerifyStoredCredential(secret, stored string) bool {
	if stored == "" {
		return false
	}
	switch {
	case isBcrypt(stored):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)) == nil
	case strings.HasPrefix(stored, "$argon2id$"):
		ok, err := verifyArgon2id([]byte(secret), stored)
		return err == nil && ok
	default:
		return subtle.ConstantTimeCompare([]byte(secret), []byte(stored)) == 1
	}
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func verifyArgon2id(password []byte, phc string) (bool, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		return false, errBadPHC
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errBadPHC
	}
	var mem, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false, errBadPHC
	}
	// argon2.IDKey panics on zero rounds or threads
	if iters == 0 || iters > maxArgonTime || threads == 0 || threads > maxArgonThreads ||
		mem < 8*uint32(threads) || mem > maxArgonMemory {
		return false, errBadPHC
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, errBadPHC
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil || len(want) == 0 || len(want) > maxArgonKeyLen {
		return false, errBadPHC
	}
	got := argon2.IDKey(password, salt, iters, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
