package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
)

// GetTwoFactorMaterial returns the user's encrypted two-factor material.
func (s *Store) GetTwoFactorMaterial(ctx context.Context, userID string) (interfaces.TwoFactorMaterial, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, secret_enc, backup_codes_enc, version
FROM two_factor_material
WHERE user_id = ?`, userID)

	var m interfaces.TwoFactorMaterial
	err := row.Scan(&m.UserID, &m.SecretEnc, &m.BackupCodesEnc, &m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.TwoFactorMaterial{}, interfaces.E(interfaces.KindNotFound, "two-factor material not found")
	}
	if err != nil {
		return interfaces.TwoFactorMaterial{}, err
	}
	return m, nil
}

// SetTwoFactorMaterial inserts or replaces the user's two-factor material.
func (s *Store) SetTwoFactorMaterial(ctx context.Context, m interfaces.TwoFactorMaterial) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO two_factor_material (user_id, secret_enc, backup_codes_enc, version)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    secret_enc = excluded.secret_enc,
    backup_codes_enc = excluded.backup_codes_enc,
    version = excluded.version`,
		m.UserID, m.SecretEnc, m.BackupCodesEnc, m.Version)
	return err
}

// UpdateBackupCodes replaces the encrypted backup-code set only if the
// stored version still matches. The version bump makes concurrent code
// consumption lose-proof: the slower writer sees false and must re-read.
func (s *Store) UpdateBackupCodes(ctx context.Context, userID string, expectedVersion int64, codesEnc []byte) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE two_factor_material
SET backup_codes_enc = ?, version = version + 1
WHERE user_id = ? AND version = ?`, codesEnc, userID, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListRecoveryWrappers returns every recovery-wrapped DEK of the user.
func (s *Store) ListRecoveryWrappers(ctx context.Context, userID string) ([]interfaces.RecoverySecretWrapper, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT secret_id, user_id, wrapped_dek
FROM recovery_secret_wrappers
WHERE user_id = ?
ORDER BY secret_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wrappers []interfaces.RecoverySecretWrapper
	for rows.Next() {
		var w interfaces.RecoverySecretWrapper
		if err := rows.Scan(&w.SecretID, &w.UserID, &w.WrappedDEK); err != nil {
			return nil, err
		}
		wrappers = append(wrappers, w)
	}
	return wrappers, rows.Err()
}

// CreateRecoveryWrapper persists a recovery wrapper; unique per secret ID.
func (s *Store) CreateRecoveryWrapper(ctx context.Context, w interfaces.RecoverySecretWrapper) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO recovery_secret_wrappers (secret_id, user_id, wrapped_dek)
VALUES (?, ?, ?)`, w.SecretID, w.UserID, w.WrappedDEK)
	return err
}

// UpsertSecretWrapper inserts or replaces a wrapper keyed by (secret_id,
// credential_id). The original created_at survives replacement.
func (s *Store) UpsertSecretWrapper(ctx context.Context, w interfaces.SecretWrapper) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO secret_wrappers (secret_id, user_id, credential_id, kek_source, alg, iv, ciphertext, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(secret_id, credential_id) DO UPDATE SET
    kek_source = excluded.kek_source,
    alg = excluded.alg,
    iv = excluded.iv,
    ciphertext = excluded.ciphertext,
    updated_at = excluded.updated_at`,
		w.SecretID, w.UserID, w.CredentialID, w.KEKSource,
		w.Payload.Alg, w.Payload.IV, w.Payload.Ciphertext,
		toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
	return err
}

// ListSecretWrappers returns the wrappers stored for a user under a
// credential.
func (s *Store) ListSecretWrappers(ctx context.Context, userID, credentialID string) ([]interfaces.SecretWrapper, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT secret_id, user_id, credential_id, kek_source, alg, iv, ciphertext, created_at, updated_at
FROM secret_wrappers
WHERE user_id = ? AND credential_id = ?
ORDER BY secret_id`, userID, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wrappers []interfaces.SecretWrapper
	for rows.Next() {
		var w interfaces.SecretWrapper
		var createdAt, updatedAt int64
		if err := rows.Scan(&w.SecretID, &w.UserID, &w.CredentialID, &w.KEKSource, &w.Payload.Alg, &w.Payload.IV, &w.Payload.Ciphertext, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		w.CreatedAt = fromMillis(createdAt)
		w.UpdatedAt = fromMillis(updatedAt)
		wrappers = append(wrappers, w)
	}
	return wrappers, rows.Err()
}
