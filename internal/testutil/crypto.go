package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/vchat/backend/internal/crypto"
)

// TestEncryptionKeyBase64 returns the deterministic key behind GetTestEncryptor,
// for tests that build a config.
func TestEncryptionKeyBase64() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor creates a test encryptor with a deterministic key for testing.
// This is shared across all test packages to avoid duplication.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKeyBase64())
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
