// Package auth provides API key utilities for the portsweep API server.
// Keys are random, shown once, and only their bcrypt hashes are kept in the
// api.api_key_hashes configuration setting.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "ps"
	// DisplayPrefixLength is the number of random characters shown in
	// display prefixes such as "ps_abcd1234..."
	DisplayPrefixLength = 8

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength is the maximum length for API key names
	MaxAPIKeyNameLength = 255

	minAPIKeyLength = 15
	maxAPIKeyLength = 50
)

// GeneratedAPIKey is a newly generated key together with the hash to
// configure. The key itself is only available at generation time.
type GeneratedAPIKey struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	KeyPrefix string    `json:"key_prefix"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateAPIKey creates and hashes a new API key labelled name.
func GenerateAPIKey(name string) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	if len(randomPart) > APIKeyLength {
		randomPart = randomPart[:APIKeyLength]
	}
	fullKey := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)

	hash, err := HashAPIKey(fullKey)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:       fullKey,
		Name:      name,
		KeyPrefix: CreateDisplayPrefix(fullKey),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(prepareKey(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), prepareKey(apiKey)) == nil
}

// prepareKey hashes keys longer than bcrypt's input limit with SHA-256.
func prepareKey(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// IsValidAPIKeyFormat checks if an API key has the generated format.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}
	if len(apiKey) < minAPIKeyLength || len(apiKey) > maxAPIKeyLength {
		return false
	}

	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key.
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}

	random := strings.TrimPrefix(apiKey, APIKeyPrefix+"_")
	if len(random) > DisplayPrefixLength {
		random = random[:DisplayPrefixLength]
	}
	return fmt.Sprintf("%s_%s...", APIKeyPrefix, random)
}

// validateKeyName validates the API key name
func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, char := range name {
		// ASCII control characters
		if char < 32 || char == 127 {
			return fmt.Errorf("key name contains invalid characters")
		}
		// C1 controls, bidirectional overrides and isolates
		if (char >= 0x0080 && char <= 0x009F) ||
			(char >= 0x202A && char <= 0x202E) ||
			(char >= 0x2066 && char <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}
