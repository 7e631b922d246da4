package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("correct-horse-battery-staple")
	require.NoError(t, err)

	ciphertext, err := box.EncryptString("oauth-refresh-token-abc123")
	require.NoError(t, err)
	assert.NotEqual(t, "oauth-refresh-token-abc123", ciphertext)

	plaintext, err := box.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "oauth-refresh-token-abc123", plaintext)
}

func TestBoxRejectsEmptyMasterKey(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	box, err := NewBox("another-key")
	require.NoError(t, err)

	ciphertext, err := box.EncryptString("secret")
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-4] + "abcd"
	_, err = box.DecryptString(tampered)
	assert.Error(t, err)
}

func TestDifferentBoxesCannotDecryptEachOther(t *testing.T) {
	boxA, _ := NewBox("key-a")
	boxB, _ := NewBox("key-b")

	ciphertext, err := boxA.EncryptString("secret")
	require.NoError(t, err)

	_, err = boxB.DecryptString(ciphertext)
	assert.Error(t, err)
}
