// Package twofactor verifies interactive approval codes for the account
// owner's two-factor guardian: 6-digit time-based OTPs and single-use backup
// codes. Backup-code consumption is atomic with respect to concurrent
// approval attempts via version-checked storage updates.
package twofactor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/keyhaven/guardian-recovery-backend/cryptoutils"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/pquerna/otp/totp"
)

// casAttempts bounds the retry loop on backup-code set updates. Conflicts
// only happen when two approvals race on the same user, so contention is
// minimal.
const casAttempts = 3

var totpPattern = regexp.MustCompile(`^[0-9]{6}$`)

// Verifier checks user-supplied two-factor codes against the encrypted
// material in storage.
type Verifier struct {
	store   interfaces.Store
	blobKey []byte
	log     *slog.Logger
}

// NewVerifier creates a verifier. blobKey is the 32-byte server key under
// which the TOTP secret and backup-code set are encrypted at rest.
func NewVerifier(store interfaces.Store, blobKey []byte, log *slog.Logger) (*Verifier, error) {
	if len(blobKey) != 32 {
		return nil, fmt.Errorf("two-factor blob key must be 32 bytes, got %d", len(blobKey))
	}
	return &Verifier{store: store, blobKey: blobKey, log: log}, nil
}

// Verify checks code for the given user. A 6-digit code is verified as a
// TOTP; anything else is matched against the backup-code set after
// normalization. A matched backup code is removed from the stored set before
// Verify returns, and the removal survives concurrent attempts: the losing
// writer re-reads and finds the code gone.
func (v *Verifier) Verify(ctx context.Context, userID, code string) (interfaces.TwoFactorMethod, error) {
	material, err := v.store.GetTwoFactorMaterial(ctx, userID)
	if err != nil {
		if interfaces.IsKind(err, interfaces.KindNotFound) {
			return "", interfaces.E(interfaces.KindPreconditionFailed, "two-factor authentication is not configured for this account")
		}
		return "", err
	}

	if totpPattern.MatchString(code) {
		ok, err := v.verifyTOTP(material, code)
		if err != nil {
			return "", err
		}
		if ok {
			return interfaces.MethodTOTP, nil
		}
		// A 6-digit input could still be a backup code fragment; fall
		// through to the backup-code path before rejecting.
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		matched, remaining, err := v.matchBackupCode(material, code)
		if err != nil {
			return "", err
		}
		if !matched {
			return "", interfaces.E(interfaces.KindUnauthorized, "invalid two-factor code")
		}

		codesEnc, err := v.encodeBackupCodes(remaining)
		if err != nil {
			return "", err
		}

		swapped, err := v.store.UpdateBackupCodes(ctx, userID, material.Version, codesEnc)
		if err != nil {
			return "", interfaces.WrapErr(interfaces.KindInternal, err)
		}
		if swapped {
			v.log.Info("Backup code consumed", "userID", userID, "remaining", len(remaining))
			return interfaces.MethodBackupCode, nil
		}

		// Lost a race; reload and re-check. If the concurrent winner used
		// the same code it will no longer match.
		material, err = v.store.GetTwoFactorMaterial(ctx, userID)
		if err != nil {
			return "", err
		}
	}

	return "", interfaces.E(interfaces.KindInternal, "backup code update contention for user %s", userID)
}

func (v *Verifier) verifyTOTP(material interfaces.TwoFactorMaterial, code string) (bool, error) {
	if len(material.SecretEnc) == 0 {
		return false, nil
	}
	secret, err := cryptoutils.DecryptBlob(v.blobKey, material.SecretEnc)
	if err != nil {
		return false, interfaces.E(interfaces.KindInternal, "failed to decrypt totp secret: %w", err)
	}
	defer cryptoutils.Zero(secret)

	return totp.Validate(code, string(secret)), nil
}

// matchBackupCode reports whether code matches a stored hash and returns the
// set with the matched hash removed.
func (v *Verifier) matchBackupCode(material interfaces.TwoFactorMaterial, code string) (bool, []string, error) {
	hashes, err := v.decodeBackupCodes(material.BackupCodesEnc)
	if err != nil {
		return false, nil, err
	}

	candidate := cryptoutils.HashBackupCode(code)
	remaining := make([]string, 0, len(hashes))
	matched := false
	for _, h := range hashes {
		if !matched && cryptoutils.ConstantTimeEqual(h, candidate) {
			matched = true
			continue
		}
		remaining = append(remaining, h)
	}
	return matched, remaining, nil
}

func (v *Verifier) decodeBackupCodes(enc []byte) ([]string, error) {
	if len(enc) == 0 {
		return nil, nil
	}
	plain, err := cryptoutils.DecryptBlob(v.blobKey, enc)
	if err != nil {
		return nil, interfaces.E(interfaces.KindInternal, "failed to decrypt backup codes: %w", err)
	}
	var hashes []string
	if err := json.Unmarshal(plain, &hashes); err != nil {
		return nil, interfaces.E(interfaces.KindInternal, "failed to decode backup codes: %w", err)
	}
	return hashes, nil
}

func (v *Verifier) encodeBackupCodes(hashes []string) ([]byte, error) {
	plain, err := json.Marshal(hashes)
	if err != nil {
		return nil, interfaces.E(interfaces.KindInternal, "failed to encode backup codes: %w", err)
	}
	enc, err := cryptoutils.EncryptBlob(v.blobKey, plain)
	if err != nil {
		return nil, interfaces.E(interfaces.KindInternal, "failed to encrypt backup codes: %w", err)
	}
	return enc, nil
}

// EncodeMaterial builds encrypted two-factor material for enrollment: the
// TOTP secret and the hashes of the generated backup codes, each sealed
// under the server blob key.
func EncodeMaterial(blobKey []byte, userID, totpSecret string, codeHashes []string) (interfaces.TwoFactorMaterial, error) {
	secretEnc, err := cryptoutils.EncryptBlob(blobKey, []byte(totpSecret))
	if err != nil {
		return interfaces.TwoFactorMaterial{}, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}
	plain, err := json.Marshal(codeHashes)
	if err != nil {
		return interfaces.TwoFactorMaterial{}, fmt.Errorf("failed to encode backup codes: %w", err)
	}
	codesEnc, err := cryptoutils.EncryptBlob(blobKey, plain)
	if err != nil {
		return interfaces.TwoFactorMaterial{}, fmt.Errorf("failed to encrypt backup codes: %w", err)
	}
	return interfaces.TwoFactorMaterial{
		UserID:         userID,
		SecretEnc:      secretEnc,
		BackupCodesEnc: codesEnc,
		Version:        1,
	}, nil
}
