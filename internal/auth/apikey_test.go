package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	tests := []struct {
		name        string
		keyName     string
		expectError bool
		errorMsg    string
	}{
		{
			name:    "valid_name",
			keyName: "CI pipeline",
		},
		{
			name:    "name_with_unicode",
			keyName: "Dashboard 🔑",
		},
		{
			name:        "empty_name",
			keyName:     "",
			expectError: true,
			errorMsg:    "key name cannot be empty",
		},
		{
			name:        "too_long_name",
			keyName:     strings.Repeat("A", 256),
			expectError: true,
			errorMsg:    "key name must be at most 255 characters",
		},
		{
			name:        "name_with_control_chars",
			keyName:     "Test\x00Key",
			expectError: true,
			errorMsg:    "key name contains invalid characters",
		},
		{
			name:        "name_with_rtl_override",
			keyName:     "Test‮Key",
			expectError: true,
			errorMsg:    "key name contains invalid characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generated, err := GenerateAPIKey(tt.keyName)

			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, generated)
				return
			}

			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(generated.Key, APIKeyPrefix+"_"))
			assert.Len(t, generated.Key, len(APIKeyPrefix)+1+APIKeyLength)
			assert.True(t, IsValidAPIKeyFormat(generated.Key))
			assert.Equal(t, tt.keyName, generated.Name)
			assert.Equal(t, CreateDisplayPrefix(generated.Key), generated.KeyPrefix)
			assert.True(t, ValidateAPIKey(generated.Key, generated.Hash))
			assert.False(t, generated.CreatedAt.IsZero())
		})
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	a, err := GenerateAPIKey("a")
	require.NoError(t, err)
	b, err := GenerateAPIKey("b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
	assert.False(t, ValidateAPIKey(a.Key, b.Hash))
}

func TestHashAPIKey(t *testing.T) {
	_, err := HashAPIKey("")
	assert.Error(t, err)

	hash, err := HashAPIKey("ps_short")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))
	assert.NotContains(t, hash, "ps_short")
}

func TestValidateAPIKey(t *testing.T) {
	long := "ps_" + strings.Repeat("x", 100)
	longHash, err := HashAPIKey(long)
	require.NoError(t, err)

	hash, err := HashAPIKey("ps_correct")
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
		hash string
		want bool
	}{
		{"matching key", "ps_correct", hash, true},
		{"wrong key", "ps_wrong", hash, false},
		{"empty key", "", hash, false},
		{"empty hash", "ps_correct", "", false},
		{"garbage hash", "ps_correct", "not-a-hash", false},
		{"key over bcrypt limit", long, longHash, true},
		{"long key differing after 72 bytes", long + "y", longHash, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAPIKey(tt.key, tt.hash))
		})
	}
}

func TestIsValidAPIKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"ps_abcdefghijklmnopqrstuvwxyz234567", true},
		{"ps_ABCdef123_456789", true},
		{"sk_abcdefghijklmnopqrstuvwxyz", false},
		{"ps_short", false},
		{"ps_" + strings.Repeat("a", 60), false},
		{"ps_abcdefghij-klmnop", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidAPIKeyFormat(tt.key))
		})
	}
}

func TestCreateDisplayPrefix(t *testing.T) {
	assert.Equal(t, "ps_abcdefgh...", CreateDisplayPrefix("ps_abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "invalid_key", CreateDisplayPrefix("not a key"))
}
