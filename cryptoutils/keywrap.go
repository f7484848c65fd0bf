package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// WrapAlgAESGCM is the algorithm identifier recorded on wrappers produced by
// the server-assisted rewrap path.
const WrapAlgAESGCM = "A256GCM"

const gcmNonceSize = 12

// WrapKey encrypts a plaintext DEK under kek with AES-256-GCM. The returned
// blob is [iv][ciphertext]; the IV is fresh per wrap.
func WrapKey(kek, dek []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("kek must be 32 bytes")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, dek, nil)

	result := make([]byte, 0, len(iv)+len(ciphertext))
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

// UnwrapKey reverses WrapKey. The plaintext DEK should be zeroed by the
// caller as soon as it is no longer needed.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(kek) != 32 {
		return nil, errors.New("kek must be 32 bytes")
	}
	if len(wrapped) < gcmNonceSize+1 {
		return nil, errors.New("wrapped key too short")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := wrapped[:gcmNonceSize]
	ciphertext := wrapped[gcmNonceSize:]

	dek, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return dek, nil
}

// DeriveKEK derives a 32-byte key-encryption-key from credential key
// material (a passkey PRF output or an OPAQUE export key) with HKDF-SHA256.
// The info string separates KEKs derived for different purposes from the
// same material.
func DeriveKEK(credentialMaterial []byte, info string) ([]byte, error) {
	if len(credentialMaterial) < 16 {
		return nil, errors.New("credential key material too short")
	}

	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, credentialMaterial, nil, []byte(info))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}
	return kek, nil
}

// EncryptBlob seals an opaque blob (e.g. the stored two-factor material)
// under a 32-byte key with AES-256-GCM.
func EncryptBlob(key, plaintext []byte) ([]byte, error) {
	return WrapKey(key, plaintext)
}

// DecryptBlob reverses EncryptBlob.
func DecryptBlob(key, sealed []byte) ([]byte, error) {
	return UnwrapKey(key, sealed)
}

// Zero overwrites sensitive byte slices. Plaintext DEKs exist only
// transiently in server memory during the legacy rewrap path.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
