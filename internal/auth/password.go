package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

const argon2idPrefix = "$argon2id$"

// HashPassword hashes a password using argon2id with the given parameters.
func HashPassword(password string, memory, iterations uint32, parallelism uint8, saltLen, keyLen uint32) (string, error) {
	params := &argon2id.Params{
		Memory:      memory,
		Iterations:  iterations,
		Parallelism: parallelism,
		SaltLength:  saltLen,
		KeyLength:   keyLen,
	}
	hash, err := argon2id.CreateHash(password, params)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword checks a plaintext password against a stored hash. Current
// hashes are argon2id; rows imported from the pre-migration database carry
// bare SHA-256 hex digests and are accepted until their next successful login
// rehashes them.
func VerifyPassword(password, hash string) (bool, error) {
	if !IsLegacyHash(hash) {
		match, err := argon2id.ComparePasswordAndHash(password, hash)
		if err != nil {
			return false, fmt.Errorf("verify password: %w", err)
		}
		return match, nil
	}

	digest := sha256.Sum256([]byte(password))
	computed := hex.EncodeToString(digest[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(hash))) == 1, nil
}

// IsLegacyHash reports whether a stored hash predates the argon2id migration.
func IsLegacyHash(hash string) bool {
	return !strings.HasPrefix(hash, argon2idPrefix)
}

// NeedsRehash returns true if the stored hash should be regenerated on next successful login: every legacy hash, and
// any argon2id hash generated with parameters that differ from the provided configuration values.
func NeedsRehash(hash string, memory, iterations uint32, parallelism uint8, saltLen, keyLen uint32) bool {
	if IsLegacyHash(hash) {
		return true
	}
	params, salt, key, err := argon2id.DecodeHash(hash)
	if err != nil {
		return false
	}
	return params.Memory != memory ||
		params.Iterations != iterations ||
		params.Parallelism != parallelism ||
		uint32(len(salt)) != saltLen ||
		uint32(len(key)) != keyLen
}
