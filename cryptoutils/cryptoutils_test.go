package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundtrip(t *testing.T) {
	token, err := NewToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(token), 40)

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	assert.Equal(t, HashToken(token), HashToken(token))
	assert.NotEqual(t, HashToken(token), HashToken(other))
	assert.Len(t, HashToken(token), 64)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}

func TestWrapUnwrapKey(t *testing.T) {
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)

	dek := make([]byte, 32)
	_, err = rand.Read(dek)
	require.NoError(t, err)

	wrapped, err := WrapKey(kek, dek)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	unwrapped, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(dek, unwrapped))

	// Fresh IV per wrap
	wrapped2, err := WrapKey(kek, dek)
	require.NoError(t, err)
	assert.NotEqual(t, wrapped, wrapped2)
}

func TestUnwrapKeyWrongKEK(t *testing.T) {
	kek := make([]byte, 32)
	dek := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := WrapKey(kek, dek)
	require.NoError(t, err)

	wrongKEK := make([]byte, 32)
	wrongKEK[0] = 1
	_, err = UnwrapKey(wrongKEK, wrapped)
	assert.Error(t, err)
}

func TestUnwrapKeyTamperedCiphertext(t *testing.T) {
	kek := make([]byte, 32)
	wrapped, err := WrapKey(kek, []byte("secret key material here...."))
	require.NoError(t, err)

	wrapped[len(wrapped)-1] ^= 0xff
	_, err = UnwrapKey(kek, wrapped)
	assert.Error(t, err)
}

func TestWrapKeyRejectsBadKEKLength(t *testing.T) {
	_, err := WrapKey(make([]byte, 16), []byte("dek"))
	assert.Error(t, err)
	_, err = UnwrapKey(make([]byte, 16), make([]byte, 32))
	assert.Error(t, err)
}

func TestDeriveKEK(t *testing.T) {
	material := make([]byte, 32)
	_, err := rand.Read(material)
	require.NoError(t, err)

	kek1, err := DeriveKEK(material, "purpose-a")
	require.NoError(t, err)
	assert.Len(t, kek1, 32)

	// Deterministic for the same material and info
	again, err := DeriveKEK(material, "purpose-a")
	require.NoError(t, err)
	assert.Equal(t, kek1, again)

	// Different info string yields an unrelated key
	kek2, err := DeriveKEK(material, "purpose-b")
	require.NoError(t, err)
	assert.NotEqual(t, kek1, kek2)
}

func TestDeriveKEKRejectsShortMaterial(t *testing.T) {
	_, err := DeriveKEK(make([]byte, 15), "purpose")
	assert.Error(t, err)
}

func TestNormalizeBackupCode(t *testing.T) {
	assert.Equal(t, "ABCDEFGH12", NormalizeBackupCode("abcd-efgh-12"))
	assert.Equal(t, "ABCDEFGH12", NormalizeBackupCode("ABCD EFGH 12"))
	assert.Equal(t, "ABCDEFGH12", NormalizeBackupCode("ABCDEFGH12"))
	assert.Equal(t, "", NormalizeBackupCode("---  ..."))
}

func TestHashBackupCodeNormalizes(t *testing.T) {
	assert.Equal(t, HashBackupCode("abcd-efgh-12"), HashBackupCode("ABCDEFGH12"))
	assert.NotEqual(t, HashBackupCode("ABCDEFGH12"), HashBackupCode("ABCDEFGH13"))
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	require.Len(t, hashes, 10)

	seen := make(map[string]bool)
	for i, code := range codes {
		assert.Len(t, code, 10)
		assert.Equal(t, HashBackupCode(code), hashes[i])
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
