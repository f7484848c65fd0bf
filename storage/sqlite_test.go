package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUserAndConfig(t *testing.T, store *Store) (interfaces.User, interfaces.RecoveryConfig) {
	t.Helper()
	ctx := context.Background()

	user := interfaces.User{
		ID:               uuid.NewString(),
		Email:            "owner@example.com",
		RecoveryID:       uuid.NewString(),
		TwoFactorEnabled: true,
	}
	require.NoError(t, store.CreateUser(ctx, user))

	config := interfaces.RecoveryConfig{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Threshold:      2,
		TotalGuardians: 3,
		GroupPublicKey: "02deadbeef",
		Ciphersuite:    interfaces.CiphersuiteSecp256k1,
		Status:         "active",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateRecoveryConfig(ctx, config))
	return user, config
}

func seedChallenge(t *testing.T, store *Store, userID, configID string) interfaces.RecoveryChallenge {
	t.Helper()
	now := time.Now().UTC()
	challenge := interfaces.RecoveryChallenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		ConfigID:  configID,
		Nonce:     []byte("nonce-nonce-nonce-nonce-nonce-32"),
		Status:    interfaces.ChallengePending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	require.NoError(t, store.CreateChallenge(context.Background(), challenge))
	return challenge
}

func TestOpenAppliesPragmas(t *testing.T) {
	store := newTestStore(t)

	var journalMode string
	require.NoError(t, store.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, store.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, store.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestForeignKeysEnforced(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	// No such user or config; the insert must be rejected.
	err := store.CreateChallenge(context.Background(), interfaces.RecoveryChallenge{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		ConfigID:  uuid.NewString(),
		Nonce:     []byte("nonce-nonce-nonce-nonce-nonce-32"),
		Status:    interfaces.ChallengePending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	})
	assert.Error(t, err)
}

func TestUserLookupByEmailAndRecoveryID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, _ := seedUserAndConfig(t, store)

	byEmail, err := store.GetUserByIdentifier(ctx, "  Owner@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	byRecoveryID, err := store.GetUserByIdentifier(ctx, user.RecoveryID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byRecoveryID.ID)

	_, err = store.GetUserByIdentifier(ctx, "nobody@example.com")
	assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))
}

func TestCreateRecoveryConfigValidatesThreshold(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateRecoveryConfig(context.Background(), interfaces.RecoveryConfig{
		ID:             uuid.NewString(),
		UserID:         uuid.NewString(),
		Threshold:      4,
		TotalGuardians: 3,
		Ciphersuite:    interfaces.CiphersuiteSecp256k1,
	})
	assert.True(t, interfaces.IsKind(err, interfaces.KindBadRequest))
}

func TestGuardianRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, config := seedUserAndConfig(t, store)

	email := interfaces.Guardian{
		ID:               uuid.NewString(),
		ConfigID:         config.ID,
		Kind:             interfaces.EmailGuardian{Address: "g1@example.com"},
		ParticipantIndex: 1,
		Status:           interfaces.GuardianActive,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreateGuardian(ctx, email))

	twoFactor := interfaces.Guardian{
		ID:               uuid.NewString(),
		ConfigID:         config.ID,
		Kind:             interfaces.TwoFactorGuardian{},
		ParticipantIndex: 2,
		Status:           interfaces.GuardianActive,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreateGuardian(ctx, twoFactor))

	guardians, err := store.ListGuardians(ctx, config.ID)
	require.NoError(t, err)
	require.Len(t, guardians, 2)
	assert.Equal(t, interfaces.EmailGuardian{Address: "g1@example.com"}, guardians[0].Kind)
	assert.Equal(t, interfaces.TwoFactorGuardian{}, guardians[1].Kind)

	require.NoError(t, store.DeleteGuardian(ctx, email.ID))
	_, err = store.GetGuardian(ctx, email.ID)
	assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))
}

func TestParticipantIndexUniquePerConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, config := seedUserAndConfig(t, store)

	first := interfaces.Guardian{
		ID:               uuid.NewString(),
		ConfigID:         config.ID,
		Kind:             interfaces.EmailGuardian{Address: "g1@example.com"},
		ParticipantIndex: 1,
		Status:           interfaces.GuardianActive,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreateGuardian(ctx, first))

	dup := first
	dup.ID = uuid.NewString()
	dup.Kind = interfaces.EmailGuardian{Address: "g2@example.com"}
	assert.Error(t, store.CreateGuardian(ctx, dup))
}

func TestCompleteChallengeExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)
	challenge := seedChallenge(t, store, user.ID, config.ID)

	now := time.Now().UTC()
	first, err := store.CompleteChallenge(ctx, challenge.ID, "sig-a", 2, now)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.CompleteChallenge(ctx, challenge.ID, "sig-b", 3, now)
	require.NoError(t, err)
	assert.False(t, second)

	got, err := store.GetChallenge(ctx, challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChallengeCompleted, got.Status)
	assert.Equal(t, "sig-a", got.AggregatedSignature)
	assert.Equal(t, 2, got.SignaturesCollected)
	require.NotNil(t, got.CompletedAt)
}

func TestMarkChallengeAppliedRequiresCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)
	challenge := seedChallenge(t, store, user.ID, config.ID)

	applied, err := store.MarkChallengeApplied(ctx, challenge.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = store.CompleteChallenge(ctx, challenge.ID, "sig", 2, time.Now().UTC())
	require.NoError(t, err)

	applied, err = store.MarkChallengeApplied(ctx, challenge.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	again, err := store.MarkChallengeApplied(ctx, challenge.ID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestClaimSigning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)
	challenge := seedChallenge(t, store, user.ID, config.ID)

	now := time.Now().UTC()
	staleBefore := now.Add(-30 * time.Second)

	claimed, err := store.ClaimSigning(ctx, challenge.ID, now, staleBefore)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A concurrent claimer loses while the claim is fresh
	again, err := store.ClaimSigning(ctx, challenge.ID, now, staleBefore)
	require.NoError(t, err)
	assert.False(t, again)

	// A stale claim is taken over
	later := now.Add(time.Minute)
	takeover, err := store.ClaimSigning(ctx, challenge.ID, later, later.Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, takeover)

	// Releasing reopens the claim immediately
	require.NoError(t, store.ReleaseSigningClaim(ctx, challenge.ID))
	reclaimed, err := store.ClaimSigning(ctx, challenge.ID, later, later.Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, reclaimed)

	// A completed challenge cannot be claimed at all
	_, err = store.CompleteChallenge(ctx, challenge.ID, "sig", 2, later)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseSigningClaim(ctx, challenge.ID))
	claimed, err = store.ClaimSigning(ctx, challenge.ID, later, later.Add(-30*time.Second))
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestCountRecentChallenges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)

	seedChallenge(t, store, user.ID, config.ID)
	seedChallenge(t, store, user.ID, config.ID)

	count, err := store.CountRecentChallenges(ctx, user.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountRecentChallenges(ctx, user.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestConsumeApprovalPreservesFirstTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)
	challenge := seedChallenge(t, store, user.ID, config.ID)

	approval := interfaces.GuardianApproval{
		ID:             uuid.NewString(),
		ChallengeID:    challenge.ID,
		GuardianID:     uuid.NewString(),
		TokenHash:      "deadbeef",
		TokenExpiresAt: challenge.ExpiresAt,
	}
	require.NoError(t, store.CreateApproval(ctx, approval))

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.ConsumeApproval(ctx, approval.ID, first))
	require.NoError(t, store.ConsumeApproval(ctx, approval.ID, first.Add(time.Minute)))

	got, err := store.GetApprovalByTokenHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got.ApprovedAt)
	assert.Equal(t, first, *got.ApprovedAt)
}

func TestConsumeContextTokenSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, config := seedUserAndConfig(t, store)
	challenge := seedChallenge(t, store, user.ID, config.ID)

	token := interfaces.ContextToken{
		TokenHash:   "cafebabe",
		ChallengeID: challenge.ID,
		UserID:      user.ID,
		ExpiresAt:   challenge.ExpiresAt,
	}
	require.NoError(t, store.CreateContextToken(ctx, token))

	now := time.Now().UTC()
	consumed, err := store.ConsumeContextToken(ctx, "cafebabe", now)
	require.NoError(t, err)
	assert.True(t, consumed)

	replayed, err := store.ConsumeContextToken(ctx, "cafebabe", now)
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestUpdateBackupCodesVersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, _ := seedUserAndConfig(t, store)

	require.NoError(t, store.SetTwoFactorMaterial(ctx, interfaces.TwoFactorMaterial{
		UserID:         user.ID,
		SecretEnc:      []byte("secret"),
		BackupCodesEnc: []byte("codes-v1"),
		Version:        1,
	}))

	swapped, err := store.UpdateBackupCodes(ctx, user.ID, 1, []byte("codes-v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	// Stale version loses
	swapped, err = store.UpdateBackupCodes(ctx, user.ID, 1, []byte("codes-v2-dup"))
	require.NoError(t, err)
	assert.False(t, swapped)

	material, err := store.GetTwoFactorMaterial(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("codes-v2"), material.BackupCodesEnc)
	assert.Equal(t, int64(2), material.Version)
}

func TestUpsertSecretWrapperConverges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, _ := seedUserAndConfig(t, store)

	now := time.Now().UTC().Truncate(time.Millisecond)
	wrapper := interfaces.SecretWrapper{
		SecretID:     "secret-1",
		UserID:       user.ID,
		CredentialID: "cred-1",
		KEKSource:    "credential",
		Payload:      interfaces.WrappedKey{Alg: "A256GCM", IV: "aXY=", Ciphertext: "Y3Q="},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.UpsertSecretWrapper(ctx, wrapper))

	// Retried upsert with new payload replaces, does not duplicate
	wrapper.Payload.Ciphertext = "Y3Qy"
	wrapper.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpsertSecretWrapper(ctx, wrapper))

	wrappers, err := store.ListSecretWrappers(ctx, user.ID, "cred-1")
	require.NoError(t, err)
	require.Len(t, wrappers, 1)
	assert.Equal(t, "Y3Qy", wrappers[0].Payload.Ciphertext)

	// Same secret under another credential is a distinct row
	wrapper.CredentialID = "cred-2"
	require.NoError(t, store.UpsertSecretWrapper(ctx, wrapper))
	others, err := store.ListSecretWrappers(ctx, user.ID, "cred-2")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestRecoveryWrappers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, _ := seedUserAndConfig(t, store)

	require.NoError(t, store.CreateRecoveryWrapper(ctx, interfaces.RecoverySecretWrapper{
		SecretID:   "secret-1",
		UserID:     user.ID,
		WrappedDEK: []byte("wrapped-1"),
	}))
	require.NoError(t, store.CreateRecoveryWrapper(ctx, interfaces.RecoverySecretWrapper{
		SecretID:   "secret-2",
		UserID:     user.ID,
		WrappedDEK: []byte("wrapped-2"),
	}))

	// One recovery wrapper per secret
	assert.Error(t, store.CreateRecoveryWrapper(ctx, interfaces.RecoverySecretWrapper{
		SecretID:   "secret-1",
		UserID:     user.ID,
		WrappedDEK: []byte("dup"),
	}))

	wrappers, err := store.ListRecoveryWrappers(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, wrappers, 2)
	assert.Equal(t, "secret-1", wrappers[0].SecretID)
}
