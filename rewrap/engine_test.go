package rewrap

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/guardian-recovery-backend/cryptoutils"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/storage"
)

type fixture struct {
	store       *storage.Store
	engine      *Engine
	recoveryKEK []byte
	user        interfaces.User
	challenge   interfaces.RecoveryChallenge
	tokenRaw    string
	deks        map[string][]byte
}

// newFixture provisions a completed challenge with a live context token and
// two recovery-wrapped secrets.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	user := interfaces.User{
		ID:         uuid.NewString(),
		Email:      "owner@example.com",
		RecoveryID: uuid.NewString(),
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

	now := time.Now().UTC()
	challenge := interfaces.RecoveryChallenge{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ConfigID:  config.ID,
		Nonce:     []byte("nonce-nonce-nonce-nonce-nonce-32"),
		Status:    interfaces.ChallengePending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	require.NoError(t, store.CreateChallenge(ctx, challenge))
	completed, err := store.CompleteChallenge(ctx, challenge.ID, "aggsig", 2, now)
	require.NoError(t, err)
	require.True(t, completed)
	challenge.Status = interfaces.ChallengeCompleted

	tokenRaw, err := cryptoutils.NewToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateContextToken(ctx, interfaces.ContextToken{
		TokenHash:   cryptoutils.HashToken(tokenRaw),
		ChallengeID: challenge.ID,
		UserID:      user.ID,
		ExpiresAt:   challenge.ExpiresAt,
	}))

	recoveryKEK := make([]byte, 32)
	_, err = rand.Read(recoveryKEK)
	require.NoError(t, err)

	deks := make(map[string][]byte)
	for _, secretID := range []string{"secret-1", "secret-2"} {
		dek := make([]byte, 32)
		_, err := rand.Read(dek)
		require.NoError(t, err)
		deks[secretID] = dek

		wrapped, err := cryptoutils.WrapKey(recoveryKEK, dek)
		require.NoError(t, err)
		require.NoError(t, store.CreateRecoveryWrapper(ctx, interfaces.RecoverySecretWrapper{
			SecretID:   secretID,
			UserID:     user.ID,
			WrappedDEK: wrapped,
		}))
	}

	engine, err := NewEngine(store, recoveryKEK, slog.Default())
	require.NoError(t, err)

	return &fixture{
		store:       store,
		engine:      engine,
		recoveryKEK: recoveryKEK,
		user:        user,
		challenge:   challenge,
		tokenRaw:    tokenRaw,
		deks:        deks,
	}
}

func clientWrapper(t *testing.T, dek []byte) interfaces.WrappedKey {
	t.Helper()
	clientKEK := make([]byte, 32)
	_, err := rand.Read(clientKEK)
	require.NoError(t, err)
	wrapped, err := cryptoutils.WrapKey(clientKEK, dek)
	require.NoError(t, err)
	return interfaces.WrappedKey{
		Alg:        cryptoutils.WrapAlgAESGCM,
		IV:         base64.StdEncoding.EncodeToString(wrapped[:12]),
		Ciphertext: base64.StdEncoding.EncodeToString(wrapped[12:]),
	}
}

func TestNewEngineRejectsBadKeyLength(t *testing.T) {
	_, err := NewEngine(nil, make([]byte, 16), slog.Default())
	assert.Error(t, err)
}

func TestRecoverDEKs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.engine.RecoverDEKs(ctx, f.challenge.ID, f.tokenRaw)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, result.UserID)
	require.Len(t, result.DEKs, 2)

	for _, d := range result.DEKs {
		expected := base64.StdEncoding.EncodeToString(f.deks[d.SecretID])
		assert.Equal(t, expected, d.DEKBase64)
	}

	// The context token survives the read phase so a client can retry
	again, err := f.engine.RecoverDEKs(ctx, f.challenge.ID, f.tokenRaw)
	require.NoError(t, err)
	assert.Len(t, again.DEKs, 2)
}

func TestRecoverDEKsRequiresCompletedChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := interfaces.RecoveryChallenge{
		ID:        uuid.NewString(),
		UserID:    f.user.ID,
		ConfigID:  f.challenge.ConfigID,
		Nonce:     []byte("other-nonce"),
		Status:    interfaces.ChallengePending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
	}
	require.NoError(t, f.store.CreateChallenge(ctx, pending))

	_, err := f.engine.RecoverDEKs(ctx, pending.ID, f.tokenRaw)
	assert.True(t, interfaces.IsKind(err, interfaces.KindPreconditionFailed))
}

func TestRecoverDEKsRejectsWrongToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RecoverDEKs(context.Background(), f.challenge.ID, "wrong-token")
	assert.True(t, interfaces.IsKind(err, interfaces.KindUnauthorized))
}

func TestRecoverDEKsExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	f.engine.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	_, err := f.engine.RecoverDEKs(context.Background(), f.challenge.ID, f.tokenRaw)
	assert.True(t, interfaces.IsKind(err, interfaces.KindTimeout))
}

func TestFinalizeStoresWrappersAndAppliesChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrappers := []WrapperInput{
		{SecretID: "secret-1", Payload: clientWrapper(t, f.deks["secret-1"])},
		{SecretID: "secret-2", Payload: clientWrapper(t, f.deks["secret-2"])},
		// Secrets without a recovery wrapper are skipped, not rejected
		{SecretID: "not-recoverable", Payload: clientWrapper(t, f.deks["secret-1"])},
	}

	result, err := f.engine.Finalize(ctx, f.challenge.ID, f.tokenRaw, "cred-new", wrappers)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RewrappedCount)

	stored, err := f.store.ListSecretWrappers(ctx, f.user.ID, "cred-new")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, KEKSourceCredential, stored[0].KEKSource)

	challenge, err := f.store.GetChallenge(ctx, f.challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChallengeApplied, challenge.Status)

	// The context token is consumed; a replay is rejected
	_, err = f.engine.Finalize(ctx, f.challenge.ID, f.tokenRaw, "cred-new", wrappers)
	assert.True(t, interfaces.IsKind(err, interfaces.KindUnauthorized))
}

func TestFinalizeRequiresCredentialID(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Finalize(context.Background(), f.challenge.ID, f.tokenRaw, "", nil)
	assert.True(t, interfaces.IsKind(err, interfaces.KindBadRequest))
}

func TestFinalizeValidatesWrapperShape(t *testing.T) {
	f := newFixture(t)

	bad := []WrapperInput{{
		SecretID: "secret-1",
		Payload:  interfaces.WrappedKey{Alg: "A256GCM", IV: "!!!not-base64!!!", Ciphertext: "Y3Q="},
	}}
	_, err := f.engine.Finalize(context.Background(), f.challenge.ID, f.tokenRaw, "cred-new", bad)
	assert.True(t, interfaces.IsKind(err, interfaces.KindBadRequest))

	// Nothing was applied; the token is still live for a corrected call
	good := []WrapperInput{{SecretID: "secret-1", Payload: clientWrapper(t, f.deks["secret-1"])}}
	result, err := f.engine.Finalize(context.Background(), f.challenge.ID, f.tokenRaw, "cred-new", good)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RewrappedCount)
}

func TestFinalizeServerAssisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	material := make([]byte, 32)
	_, err := rand.Read(material)
	require.NoError(t, err)

	result, err := f.engine.FinalizeServerAssisted(ctx, f.challenge.ID, f.tokenRaw, "cred-new", material)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RewrappedCount)

	// The stored wrappers decrypt to the original DEKs under the derived KEK
	kek, err := cryptoutils.DeriveKEK(material, kekInfo)
	require.NoError(t, err)

	stored, err := f.store.ListSecretWrappers(ctx, f.user.ID, "cred-new")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, w := range stored {
		iv, err := base64.StdEncoding.DecodeString(w.Payload.IV)
		require.NoError(t, err)
		ct, err := base64.StdEncoding.DecodeString(w.Payload.Ciphertext)
		require.NoError(t, err)
		dek, err := cryptoutils.UnwrapKey(kek, append(iv, ct...))
		require.NoError(t, err)
		assert.Equal(t, f.deks[w.SecretID], dek)
	}

	challenge, err := f.store.GetChallenge(ctx, f.challenge.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChallengeApplied, challenge.Status)
}

func TestFinalizeServerAssistedRejectsShortMaterial(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.FinalizeServerAssisted(context.Background(), f.challenge.ID, f.tokenRaw, "cred-new", []byte("short"))
	assert.True(t, interfaces.IsKind(err, interfaces.KindBadRequest))
}
