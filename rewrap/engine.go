// Package rewrap re-binds a user's per-secret data encryption keys to a new
// credential once a recovery challenge has been authorized by the guardian
// threshold.
//
// Two flows are supported. In the hardened client-driven flow the server
// returns plaintext DEKs over an authenticated transport (RecoverDEKs) and
// later stores wrappers the client produced locally (Finalize); the server
// never sees or derives the new credential's KEK. In the legacy
// server-assisted flow (FinalizeServerAssisted) the server unwraps each
// recovery wrapper and rewraps the DEK under a KEK derived from
// client-supplied credential key material; plaintext DEKs exist only
// transiently in server memory during that call.
package rewrap

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyhaven/guardian-recovery-backend/cryptoutils"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/metrics"
)

// kekInfo domain-separates recovery KEK derivation from other uses of the
// same credential material.
const kekInfo = "guardian-recovery/kek-v1"

// KEKSourceCredential tags wrappers unwrappable by a user credential, as
// opposed to the server-held recovery key.
const KEKSourceCredential = "credential"

// Engine is the secret rewrap engine. It holds the server-side recovery KEK
// under which recovery wrappers were created.
type Engine struct {
	store       interfaces.Store
	recoveryKEK []byte
	log         *slog.Logger
	now         func() time.Time
}

// NewEngine creates a rewrap engine. recoveryKEK is the 32-byte server
// recovery key.
func NewEngine(store interfaces.Store, recoveryKEK []byte, log *slog.Logger) (*Engine, error) {
	if len(recoveryKEK) != 32 {
		return nil, fmt.Errorf("recovery KEK must be 32 bytes, got %d", len(recoveryKEK))
	}
	return &Engine{
		store:       store,
		recoveryKEK: recoveryKEK,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// RecoveredDEK is one secret's plaintext DEK, base64 for transport.
type RecoveredDEK struct {
	SecretID  string
	DEKBase64 string
}

// RecoverResult is the hardened flow's first-phase response.
type RecoverResult struct {
	UserID string
	DEKs   []RecoveredDEK
}

// RecoverDEKs returns the plaintext DEK of every secret that carries a
// recovery wrapper, for the client to rewrap locally. Requires a completed,
// unexpired challenge and a matching, unconsumed context token; the token is
// consumed by Finalize, not here, so a client may re-read after a transport
// failure.
func (e *Engine) RecoverDEKs(ctx context.Context, challengeID, contextToken string) (RecoverResult, error) {
	challenge, err := e.authorize(ctx, challengeID, contextToken)
	if err != nil {
		return RecoverResult{}, err
	}

	wrappers, err := e.store.ListRecoveryWrappers(ctx, challenge.UserID)
	if err != nil {
		return RecoverResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	result := RecoverResult{UserID: challenge.UserID}
	for _, w := range wrappers {
		dek, err := cryptoutils.UnwrapKey(e.recoveryKEK, w.WrappedDEK)
		if err != nil {
			return RecoverResult{}, interfaces.E(interfaces.KindInternal, "failed to unwrap DEK for secret %s: %w", w.SecretID, err)
		}
		result.DEKs = append(result.DEKs, RecoveredDEK{
			SecretID:  w.SecretID,
			DEKBase64: base64.StdEncoding.EncodeToString(dek),
		})
		cryptoutils.Zero(dek)
	}

	e.log.Info("Recovery DEKs released to client", "challengeID", challengeID, "userID", challenge.UserID, "secrets", len(result.DEKs))
	return result, nil
}

// WrapperInput is one client-produced wrapper in the hardened finalize call.
type WrapperInput struct {
	SecretID string
	Payload  interfaces.WrappedKey
}

// FinalizeResult reports how many secrets were actually rewrapped. Secrets
// without a recovery wrapper are skipped, not errors: not every secret has a
// guardian-recoverable copy.
type FinalizeResult struct {
	RewrappedCount int
}

// Finalize stores client-produced wrappers under the new credential and
// transitions the challenge to applied. Wrapper payloads are validated by
// shape only; the server cannot and does not unwrap them. Upserts are keyed
// by (secretID, credentialID) so a retried call converges on the same rows.
// The context token is consumed on success; a replay fails Unauthorized.
func (e *Engine) Finalize(ctx context.Context, challengeID, contextToken, credentialID string, wrappers []WrapperInput) (FinalizeResult, error) {
	if credentialID == "" {
		return FinalizeResult{}, interfaces.E(interfaces.KindBadRequest, "credential id is required")
	}

	challenge, err := e.authorize(ctx, challengeID, contextToken)
	if err != nil {
		return FinalizeResult{}, err
	}

	for _, w := range wrappers {
		if err := w.Payload.Validate(); err != nil {
			return FinalizeResult{}, interfaces.E(interfaces.KindBadRequest, "invalid wrapper for secret %s: %w", w.SecretID, err)
		}
	}

	recoverable, err := e.recoverableSecrets(ctx, challenge.UserID)
	if err != nil {
		return FinalizeResult{}, err
	}

	now := e.now()
	count := 0
	for _, w := range wrappers {
		if !recoverable[w.SecretID] {
			continue
		}
		if err := e.store.UpsertSecretWrapper(ctx, interfaces.SecretWrapper{
			SecretID:     w.SecretID,
			UserID:       challenge.UserID,
			CredentialID: credentialID,
			KEKSource:    KEKSourceCredential,
			Payload:      w.Payload,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return FinalizeResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
		}
		count++
	}

	if err := e.apply(ctx, challenge, contextToken); err != nil {
		return FinalizeResult{}, err
	}

	metrics.RewrapsApplied.WithLabelValues("client").Inc()
	e.log.Info("Recovery finalized", "challengeID", challengeID, "credentialID", credentialID, "rewrapped", count)
	return FinalizeResult{RewrappedCount: count}, nil
}

// FinalizeServerAssisted performs the legacy rewrap: the server unwraps each
// recovery wrapper, derives the new credential's KEK from the supplied key
// material (passkey PRF output or OPAQUE export key), and rewraps every
// recoverable DEK itself. Plaintext DEKs are zeroed before returning.
func (e *Engine) FinalizeServerAssisted(ctx context.Context, challengeID, contextToken, credentialID string, credentialMaterial []byte) (FinalizeResult, error) {
	if credentialID == "" {
		return FinalizeResult{}, interfaces.E(interfaces.KindBadRequest, "credential id is required")
	}

	challenge, err := e.authorize(ctx, challengeID, contextToken)
	if err != nil {
		return FinalizeResult{}, err
	}

	kek, err := cryptoutils.DeriveKEK(credentialMaterial, kekInfo)
	if err != nil {
		return FinalizeResult{}, interfaces.E(interfaces.KindBadRequest, "invalid credential key material: %w", err)
	}
	defer cryptoutils.Zero(kek)

	recoveryWrappers, err := e.store.ListRecoveryWrappers(ctx, challenge.UserID)
	if err != nil {
		return FinalizeResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	now := e.now()
	count := 0
	for _, rw := range recoveryWrappers {
		dek, err := cryptoutils.UnwrapKey(e.recoveryKEK, rw.WrappedDEK)
		if err != nil {
			return FinalizeResult{}, interfaces.E(interfaces.KindInternal, "failed to unwrap DEK for secret %s: %w", rw.SecretID, err)
		}

		rewrapped, err := cryptoutils.WrapKey(kek, dek)
		cryptoutils.Zero(dek)
		if err != nil {
			return FinalizeResult{}, interfaces.E(interfaces.KindInternal, "failed to rewrap DEK for secret %s: %w", rw.SecretID, err)
		}

		payload := interfaces.WrappedKey{
			Alg:        cryptoutils.WrapAlgAESGCM,
			IV:         base64.StdEncoding.EncodeToString(rewrapped[:12]),
			Ciphertext: base64.StdEncoding.EncodeToString(rewrapped[12:]),
		}
		if err := e.store.UpsertSecretWrapper(ctx, interfaces.SecretWrapper{
			SecretID:     rw.SecretID,
			UserID:       challenge.UserID,
			CredentialID: credentialID,
			KEKSource:    KEKSourceCredential,
			Payload:      payload,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return FinalizeResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
		}
		count++
	}

	if err := e.apply(ctx, challenge, contextToken); err != nil {
		return FinalizeResult{}, err
	}

	metrics.RewrapsApplied.WithLabelValues("server_assisted").Inc()
	e.log.Info("Recovery finalized (server-assisted)", "challengeID", challengeID, "credentialID", credentialID, "rewrapped", count)
	return FinalizeResult{RewrappedCount: count}, nil
}

// authorize validates the challenge/context-token pair shared by every
// rewrap entry point: the challenge exists, is completed (approved and
// signed, not merely pending) and unexpired, and the context token matches
// the challenge and its user and has not been consumed.
func (e *Engine) authorize(ctx context.Context, challengeID, contextToken string) (interfaces.RecoveryChallenge, error) {
	now := e.now()

	challenge, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return interfaces.RecoveryChallenge{}, err
	}
	if challenge.Expired(now) {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindTimeout, "recovery challenge has expired")
	}
	if challenge.Status == interfaces.ChallengePending {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindPreconditionFailed, "recovery challenge has not been approved")
	}

	token, err := e.store.GetContextTokenByHash(ctx, cryptoutils.HashToken(contextToken))
	if err != nil {
		if interfaces.IsKind(err, interfaces.KindNotFound) {
			return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindUnauthorized, "invalid context token")
		}
		return interfaces.RecoveryChallenge{}, err
	}
	if token.ChallengeID != challenge.ID || token.UserID != challenge.UserID {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindUnauthorized, "context token does not match challenge")
	}
	if token.ConsumedAt != nil {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindUnauthorized, "context token has already been used")
	}
	if !now.Before(token.ExpiresAt) {
		return interfaces.RecoveryChallenge{}, interfaces.E(interfaces.KindTimeout, "context token has expired")
	}

	return challenge, nil
}

// apply transitions the challenge to applied and consumes the context token.
// The applied transition is conditional; losing it means a concurrent
// finalize already ran, which the token consumption below then rejects.
func (e *Engine) apply(ctx context.Context, challenge interfaces.RecoveryChallenge, contextToken string) error {
	if _, err := e.store.MarkChallengeApplied(ctx, challenge.ID); err != nil {
		return interfaces.WrapErr(interfaces.KindInternal, err)
	}

	consumed, err := e.store.ConsumeContextToken(ctx, cryptoutils.HashToken(contextToken), e.now())
	if err != nil {
		return interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if !consumed {
		return interfaces.E(interfaces.KindUnauthorized, "context token has already been used")
	}
	return nil
}

// recoverableSecrets returns the set of secret IDs that carry a recovery
// wrapper for the user.
func (e *Engine) recoverableSecrets(ctx context.Context, userID string) (map[string]bool, error) {
	wrappers, err := e.store.ListRecoveryWrappers(ctx, userID)
	if err != nil {
		return nil, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	set := make(map[string]bool, len(wrappers))
	for _, w := range wrappers {
		set[w.SecretID] = true
	}
	return set, nil
}
