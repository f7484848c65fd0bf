package guardian

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/storage"
)

func setupRegistry(t *testing.T) (*Registry, *storage.Store, interfaces.RecoveryConfig) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

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

	return NewRegistry(store, slog.Default()), store, config
}

func TestAddGuardianAssignsLowestFreeIndex(t *testing.T) {
	registry, _, config := setupRegistry(t)
	ctx := context.Background()

	g1, err := registry.AddGuardian(ctx, config, "g1@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, g1.ParticipantIndex)

	g2, err := registry.AddGuardian(ctx, config, "g2@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, g2.ParticipantIndex)
}

func TestAddGuardianIdempotentOnAddress(t *testing.T) {
	registry, _, config := setupRegistry(t)
	ctx := context.Background()

	g1, err := registry.AddGuardian(ctx, config, "guard@example.com")
	require.NoError(t, err)

	// Same address modulo case and whitespace maps to the same guardian
	again, err := registry.AddGuardian(ctx, config, "  Guard@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, g1.ID, again.ID)
	assert.Equal(t, g1.ParticipantIndex, again.ParticipantIndex)
}

func TestAddGuardianSlotsExhausted(t *testing.T) {
	registry, _, config := setupRegistry(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := registry.AddGuardian(ctx, config, uuid.NewString()+"@example.com")
		require.NoError(t, err)
	}

	_, err := registry.AddGuardian(ctx, config, "overflow@example.com")
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindPreconditionFailed))
	assert.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestRemovedIndexReusedForNewGuardianOnly(t *testing.T) {
	registry, _, config := setupRegistry(t)
	ctx := context.Background()

	g1, err := registry.AddGuardian(ctx, config, "g1@example.com")
	require.NoError(t, err)
	g2, err := registry.AddGuardian(ctx, config, "g2@example.com")
	require.NoError(t, err)

	require.NoError(t, registry.RemoveGuardian(ctx, config, g1.ID))

	// g2 keeps its index; the freed index 1 goes to the newcomer
	g3, err := registry.AddGuardian(ctx, config, "g3@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, g3.ParticipantIndex)
	assert.Equal(t, 2, g2.ParticipantIndex)
}

func TestRemoveGuardianRejectsForeignConfig(t *testing.T) {
	registry, store, config := setupRegistry(t)
	ctx := context.Background()

	g, err := registry.AddGuardian(ctx, config, "g1@example.com")
	require.NoError(t, err)

	other := config
	other.ID = uuid.NewString()
	err = registry.RemoveGuardian(ctx, other, g.ID)
	assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))

	// Still present under the real config
	got, err := store.GetGuardian(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, config.ID, got.ConfigID)
}

func TestAddTwoFactorGuardian(t *testing.T) {
	registry, _, config := setupRegistry(t)
	ctx := context.Background()

	g, err := registry.AddTwoFactorGuardian(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GuardianTypeTwoFactor, g.Kind.Type())

	// At most one two-factor guardian; enrollment is idempotent
	again, err := registry.AddTwoFactorGuardian(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, g.ID, again.ID)
}

func TestAddTwoFactorGuardianRequiresTwoFactorEnabled(t *testing.T) {
	registry, store, _ := setupRegistry(t)
	ctx := context.Background()

	user := interfaces.User{
		ID:         uuid.NewString(),
		Email:      "no2fa@example.com",
		RecoveryID: uuid.NewString(),
	}
	require.NoError(t, store.CreateUser(ctx, user))

	noTwoFactor := interfaces.RecoveryConfig{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Threshold:      1,
		TotalGuardians: 2,
		GroupPublicKey: "02cafe",
		Ciphersuite:    interfaces.CiphersuiteEd25519,
		Status:         "active",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateRecoveryConfig(ctx, noTwoFactor))

	_, err := registry.AddTwoFactorGuardian(ctx, noTwoFactor)
	assert.True(t, interfaces.IsKind(err, interfaces.KindPreconditionFailed))
}
