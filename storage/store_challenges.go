package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
)

// CreateChallenge persists a new recovery challenge.
func (s *Store) CreateChallenge(ctx context.Context, c interfaces.RecoveryChallenge) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO recovery_challenges (id, user_id, config_id, nonce, status, signatures_collected, aggregated_signature, created_at, expires_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ConfigID, c.Nonce, string(c.Status),
		c.SignaturesCollected, c.AggregatedSignature,
		toMillis(c.CreatedAt), toMillis(c.ExpiresAt), nullableMillis(c.CompletedAt))
	return err
}

// GetChallenge fetches a challenge by ID.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (interfaces.RecoveryChallenge, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, config_id, nonce, status, signatures_collected, aggregated_signature, created_at, expires_at, completed_at
FROM recovery_challenges
WHERE id = ?`, challengeID)

	var c interfaces.RecoveryChallenge
	var status string
	var createdAt, expiresAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.UserID, &c.ConfigID, &c.Nonce, &status, &c.SignaturesCollected, &c.AggregatedSignature, &createdAt, &expiresAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindNotFound, "recovery challenge not found")
	}
	if err != nil {
		return interfaces.RecoveryChallenge{}, err
	}
	c.Status = interfaces.ChallengeStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.CompletedAt = millisPtr(completedAt)
	return c, nil
}

// CountRecentChallenges counts challenge rows created for a user since the
// given instant. The rate limit derives from these durable rows.
func (s *Store) CountRecentChallenges(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM recovery_challenges
WHERE user_id = ? AND created_at >= ?`, userID, toMillis(since)).Scan(&count)
	return count, err
}

// ClaimSigning obtains the signing claim for a pending challenge. A stale
// claim (older than staleBefore) is treated as abandoned and taken over.
func (s *Store) ClaimSigning(ctx context.Context, challengeID string, at, staleBefore time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE recovery_challenges
SET signing_claimed_at = ?
WHERE id = ? AND status = 'pending'
  AND (signing_claimed_at IS NULL OR signing_claimed_at < ?)`,
		toMillis(at), challengeID, toMillis(staleBefore))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseSigningClaim clears the signing claim after a failed attempt.
func (s *Store) ReleaseSigningClaim(ctx context.Context, challengeID string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE recovery_challenges
SET signing_claimed_at = NULL
WHERE id = ?`, challengeID)
	return err
}

// CompleteChallenge transitions pending -> completed with a conditional
// update; exactly one of two racing callers sees true.
func (s *Store) CompleteChallenge(ctx context.Context, challengeID, signature string, collected int, completedAt time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE recovery_challenges
SET status = 'completed', aggregated_signature = ?, signatures_collected = ?, completed_at = ?
WHERE id = ? AND status = 'pending'`,
		signature, collected, toMillis(completedAt), challengeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkChallengeApplied transitions completed -> applied with a conditional
// update.
func (s *Store) MarkChallengeApplied(ctx context.Context, challengeID string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE recovery_challenges
SET status = 'applied'
WHERE id = ? AND status = 'completed'`, challengeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CreateApproval persists a guardian approval row.
func (s *Store) CreateApproval(ctx context.Context, a interfaces.GuardianApproval) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO guardian_approvals (id, challenge_id, guardian_id, token_hash, token_expires_at, approved_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ChallengeID, a.GuardianID, a.TokenHash, toMillis(a.TokenExpiresAt), nullableMillis(a.ApprovedAt))
	return err
}

// GetApprovalByTokenHash resolves an approval by the hash of its raw token.
func (s *Store) GetApprovalByTokenHash(ctx context.Context, tokenHash string) (interfaces.GuardianApproval, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, challenge_id, guardian_id, token_hash, token_expires_at, approved_at
FROM guardian_approvals
WHERE token_hash = ?`, tokenHash)
	return scanApproval(row)
}

// ListApprovals returns all approval rows of a challenge.
func (s *Store) ListApprovals(ctx context.Context, challengeID string) ([]interfaces.GuardianApproval, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, challenge_id, guardian_id, token_hash, token_expires_at, approved_at
FROM guardian_approvals
WHERE challenge_id = ?
ORDER BY id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []interfaces.GuardianApproval
	for rows.Next() {
		var a interfaces.GuardianApproval
		var tokenExpiresAt int64
		var approvedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.ChallengeID, &a.GuardianID, &a.TokenHash, &tokenExpiresAt, &approvedAt); err != nil {
			return nil, err
		}
		a.TokenExpiresAt = fromMillis(tokenExpiresAt)
		a.ApprovedAt = millisPtr(approvedAt)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// ConsumeApproval sets approved_at if it is still null. Re-consuming is a
// no-op that preserves the original timestamp.
func (s *Store) ConsumeApproval(ctx context.Context, approvalID string, approvedAt time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE guardian_approvals
SET approved_at = ?
WHERE id = ? AND approved_at IS NULL`, toMillis(approvedAt), approvalID)
	return err
}

// CreateContextToken persists the hashed client-context token.
func (s *Store) CreateContextToken(ctx context.Context, t interfaces.ContextToken) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO context_tokens (token_hash, challenge_id, user_id, expires_at, consumed_at)
VALUES (?, ?, ?, ?, ?)`,
		t.TokenHash, t.ChallengeID, t.UserID, toMillis(t.ExpiresAt), nullableMillis(t.ConsumedAt))
	return err
}

// GetContextTokenByHash resolves a context token by hash.
func (s *Store) GetContextTokenByHash(ctx context.Context, tokenHash string) (interfaces.ContextToken, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT token_hash, challenge_id, user_id, expires_at, consumed_at
FROM context_tokens
WHERE token_hash = ?`, tokenHash)

	var t interfaces.ContextToken
	var expiresAt int64
	var consumedAt sql.NullInt64
	err := row.Scan(&t.TokenHash, &t.ChallengeID, &t.UserID, &expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ContextToken{}, interfaces.E(interfaces.KindNotFound, "context token not found")
	}
	if err != nil {
		return interfaces.ContextToken{}, err
	}
	t.ExpiresAt = fromMillis(expiresAt)
	t.ConsumedAt = millisPtr(consumedAt)
	return t, nil
}

// ConsumeContextToken marks the token used; false means it was already
// consumed.
func (s *Store) ConsumeContextToken(ctx context.Context, tokenHash string, consumedAt time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE context_tokens
SET consumed_at = ?
WHERE token_hash = ? AND consumed_at IS NULL`, toMillis(consumedAt), tokenHash)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanApproval(row *sql.Row) (interfaces.GuardianApproval, error) {
	var a interfaces.GuardianApproval
	var tokenExpiresAt int64
	var approvedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.ChallengeID, &a.GuardianID, &a.TokenHash, &tokenExpiresAt, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.GuardianApproval{}, interfaces.E(interfaces.KindNotFound, "approval token not found")
	}
	if err != nil {
		return interfaces.GuardianApproval{}, err
	}
	a.TokenExpiresAt = fromMillis(tokenExpiresAt)
	a.ApprovedAt = millisPtr(approvedAt)
	return a, nil
}
