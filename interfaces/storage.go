package interfaces

import (
	"context"
	"time"
)

// Store is the transactional relational store behind the recovery protocol.
// All cross-process concurrency guarantees live here: the protocol layer
// never takes in-memory locks because approvals arrive from independent
// processes. Methods returning a bool report whether the conditional write
// took effect (compare-and-swap semantics); false means another writer won.
type Store interface {
	// Users and recovery configs.

	// GetUserByIdentifier resolves a user by account email or dedicated
	// recovery ID. Guardian-provided data is never a valid identifier.
	GetUserByIdentifier(ctx context.Context, identifier string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	CreateUser(ctx context.Context, user User) error

	// GetRecoveryConfig returns the user's recovery config, or a
	// KindNotFound error if recovery was never configured.
	GetRecoveryConfig(ctx context.Context, userID string) (RecoveryConfig, error)
	CreateRecoveryConfig(ctx context.Context, config RecoveryConfig) error

	// Guardians.

	ListGuardians(ctx context.Context, configID string) ([]Guardian, error)
	GetGuardian(ctx context.Context, guardianID string) (Guardian, error)
	CreateGuardian(ctx context.Context, guardian Guardian) error
	// DeleteGuardian hard-deletes the row. Participant indices of remaining
	// guardians are never renumbered.
	DeleteGuardian(ctx context.Context, guardianID string) error

	// Challenges.

	CreateChallenge(ctx context.Context, challenge RecoveryChallenge) error
	GetChallenge(ctx context.Context, challengeID string) (RecoveryChallenge, error)
	// CountRecentChallenges counts challenge rows created for the user since
	// the given instant. Rate limiting derives from these durable rows so it
	// is correct across restarts and multiple server instances.
	CountRecentChallenges(ctx context.Context, userID string, since time.Time) (int, error)
	// ClaimSigning grants the exclusive right to invoke the signing
	// coordinator for a pending challenge. The claim succeeds only if the
	// challenge is still pending and no live claim exists (a claim older
	// than staleBefore is treated as abandoned, e.g. a crashed process).
	// Exactly one of two racing approvals obtains the claim.
	ClaimSigning(ctx context.Context, challengeID string, at, staleBefore time.Time) (bool, error)
	// ReleaseSigningClaim clears the claim after a failed signing attempt so
	// a retried approval can re-trigger signing immediately.
	ReleaseSigningClaim(ctx context.Context, challengeID string) error
	// CompleteChallenge transitions pending -> completed atomically,
	// recording the aggregated signature, the share count, and the
	// completion time. Returns false if the challenge was not pending, so
	// exactly one of two racing approvals performs the transition.
	CompleteChallenge(ctx context.Context, challengeID, signature string, collected int, completedAt time.Time) (bool, error)
	// MarkChallengeApplied transitions completed -> applied atomically.
	MarkChallengeApplied(ctx context.Context, challengeID string) (bool, error)

	// Guardian approvals.

	CreateApproval(ctx context.Context, approval GuardianApproval) error
	GetApprovalByTokenHash(ctx context.Context, tokenHash string) (GuardianApproval, error)
	ListApprovals(ctx context.Context, challengeID string) ([]GuardianApproval, error)
	// ConsumeApproval sets approved_at if and only if it is still null.
	// Calling it on an already-approved row is a safe no-op that preserves
	// the original timestamp.
	ConsumeApproval(ctx context.Context, approvalID string, approvedAt time.Time) error

	// Context tokens.

	CreateContextToken(ctx context.Context, token ContextToken) error
	GetContextTokenByHash(ctx context.Context, tokenHash string) (ContextToken, error)
	// ConsumeContextToken marks the token used. Returns false if it was
	// already consumed; finalize replays must fail.
	ConsumeContextToken(ctx context.Context, tokenHash string, consumedAt time.Time) (bool, error)

	// Two-factor material.

	// GetTwoFactorMaterial returns a KindNotFound error when the user has no
	// 2FA setup; a removed setup invalidates the two_factor guardian slot.
	GetTwoFactorMaterial(ctx context.Context, userID string) (TwoFactorMaterial, error)
	// UpdateBackupCodes replaces the encrypted backup-code set only if the
	// stored version still matches expectedVersion. A false return means a
	// concurrent writer consumed a code first; callers must re-read.
	UpdateBackupCodes(ctx context.Context, userID string, expectedVersion int64, codesEnc []byte) (bool, error)
	SetTwoFactorMaterial(ctx context.Context, material TwoFactorMaterial) error

	// Secret wrappers.

	ListRecoveryWrappers(ctx context.Context, userID string) ([]RecoverySecretWrapper, error)
	CreateRecoveryWrapper(ctx context.Context, wrapper RecoverySecretWrapper) error
	// UpsertSecretWrapper inserts or replaces keyed by (secretID,
	// credentialID) so re-running finalize never duplicates rows.
	UpsertSecretWrapper(ctx context.Context, wrapper SecretWrapper) error
	ListSecretWrappers(ctx context.Context, userID, credentialID string) ([]SecretWrapper, error)
}
