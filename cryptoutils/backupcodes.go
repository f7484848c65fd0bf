package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// backupCodeAlphabet avoids ambiguous characters; codes are entered by hand.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const backupCodeLength = 10

// NormalizeBackupCode canonicalizes user input before matching: strip
// everything that is not alphanumeric and uppercase the rest. "abcd-efgh-12"
// and "ABCDEFGH12" hash identically.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashBackupCode hashes a normalized backup code for storage and matching.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// GenerateBackupCodes produces n fresh backup codes. Returns the raw codes
// for one-time display to the user and their hashes for storage.
func GenerateBackupCodes(n int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, n)
	hashes = make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, backupCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		var b strings.Builder
		for _, v := range buf {
			b.WriteByte(backupCodeAlphabet[int(v)%len(backupCodeAlphabet)])
		}
		code := b.String()
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}
	return codes, hashes, nil
}
