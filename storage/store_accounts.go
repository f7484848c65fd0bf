package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
)

// GetUserByIdentifier resolves a user by account email or recovery ID.
func (s *Store) GetUserByIdentifier(ctx context.Context, identifier string) (interfaces.User, error) {
	identifier = interfaces.NormalizeEmail(identifier)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, recovery_id, two_factor_enabled
FROM users
WHERE email = ? OR recovery_id = ?`, identifier, identifier)
	return scanUser(row, "user")
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (interfaces.User, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, recovery_id, two_factor_enabled
FROM users
WHERE id = ?`, userID)
	return scanUser(row, "user")
}

// CreateUser persists a new user.
func (s *Store) CreateUser(ctx context.Context, user interfaces.User) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, email, recovery_id, two_factor_enabled)
VALUES (?, ?, ?, ?)`,
		user.ID, interfaces.NormalizeEmail(user.Email), user.RecoveryID, boolToInt(user.TwoFactorEnabled))
	return err
}

func scanUser(row *sql.Row, what string) (interfaces.User, error) {
	var u interfaces.User
	var twoFactor int
	err := row.Scan(&u.ID, &u.Email, &u.RecoveryID, &twoFactor)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.User{}, interfaces.E(interfaces.KindNotFound, "%s not found", what)
	}
	if err != nil {
		return interfaces.User{}, err
	}
	u.TwoFactorEnabled = twoFactor != 0
	return u, nil
}

// GetRecoveryConfig returns the user's recovery config.
func (s *Store) GetRecoveryConfig(ctx context.Context, userID string) (interfaces.RecoveryConfig, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, threshold, total_guardians, group_public_key, public_key_package, ciphersuite, status, created_at
FROM recovery_configs
WHERE user_id = ?`, userID)

	var c interfaces.RecoveryConfig
	var createdAt int64
	err := row.Scan(&c.ID, &c.UserID, &c.Threshold, &c.TotalGuardians, &c.GroupPublicKey, &c.PublicKeyPackage, &c.Ciphersuite, &c.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.RecoveryConfig{}, interfaces.E(interfaces.KindNotFound, "recovery is not configured for this account")
	}
	if err != nil {
		return interfaces.RecoveryConfig{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

// CreateRecoveryConfig persists a new recovery config after validating the
// threshold invariant.
func (s *Store) CreateRecoveryConfig(ctx context.Context, config interfaces.RecoveryConfig) error {
	if err := config.Validate(); err != nil {
		return interfaces.WrapErr(interfaces.KindBadRequest, err)
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO recovery_configs (id, user_id, threshold, total_guardians, group_public_key, public_key_package, ciphersuite, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		config.ID, config.UserID, config.Threshold, config.TotalGuardians,
		config.GroupPublicKey, config.PublicKeyPackage, string(config.Ciphersuite),
		config.Status, toMillis(config.CreatedAt))
	return err
}

// ListGuardians returns all guardians of a config ordered by participant
// index.
func (s *Store) ListGuardians(ctx context.Context, configID string) ([]interfaces.Guardian, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, config_id, guardian_type, email, participant_index, status, created_at
FROM guardians
WHERE config_id = ?
ORDER BY participant_index`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guardians []interfaces.Guardian
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, err
		}
		guardians = append(guardians, g)
	}
	return guardians, rows.Err()
}

// GetGuardian fetches a guardian by ID.
func (s *Store) GetGuardian(ctx context.Context, guardianID string) (interfaces.Guardian, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, config_id, guardian_type, email, participant_index, status, created_at
FROM guardians
WHERE id = ?`, guardianID)
	if err != nil {
		return interfaces.Guardian{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return interfaces.Guardian{}, err
		}
		return interfaces.Guardian{}, interfaces.E(interfaces.KindNotFound, "guardian not found")
	}
	return scanGuardian(rows)
}

// CreateGuardian persists a new guardian.
func (s *Store) CreateGuardian(ctx context.Context, g interfaces.Guardian) error {
	var email sql.NullString
	if eg, ok := g.Kind.(interfaces.EmailGuardian); ok {
		email = sql.NullString{String: eg.Address, Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guardians (id, config_id, guardian_type, email, participant_index, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ConfigID, string(g.Kind.Type()), email, g.ParticipantIndex, string(g.Status), toMillis(g.CreatedAt))
	return err
}

// DeleteGuardian hard-deletes a guardian row.
func (s *Store) DeleteGuardian(ctx context.Context, guardianID string) error {
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM guardians WHERE id = ?`, guardianID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuardian(row rowScanner) (interfaces.Guardian, error) {
	var g interfaces.Guardian
	var guardianType, status string
	var email sql.NullString
	var createdAt int64
	if err := row.Scan(&g.ID, &g.ConfigID, &guardianType, &email, &g.ParticipantIndex, &status, &createdAt); err != nil {
		return interfaces.Guardian{}, err
	}
	switch interfaces.GuardianType(guardianType) {
	case interfaces.GuardianTypeTwoFactor:
		g.Kind = interfaces.TwoFactorGuardian{}
	default:
		g.Kind = interfaces.EmailGuardian{Address: email.String}
	}
	g.Status = interfaces.GuardianStatus(status)
	g.CreatedAt = fromMillis(createdAt)
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
