package interfaces

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ciphersuite identifies the FROST ciphersuite a recovery config was
// provisioned with. The signing coordinator must be invoked with the same
// ciphersuite the guardian key shares were generated under.
type Ciphersuite string

const (
	CiphersuiteSecp256k1 Ciphersuite = "secp256k1"
	CiphersuiteEd25519   Ciphersuite = "ed25519"
)

// Validate checks the ciphersuite is one the signing coordinator supports.
func (c Ciphersuite) Validate() error {
	switch c {
	case CiphersuiteSecp256k1, CiphersuiteEd25519:
		return nil
	default:
		return fmt.Errorf("unsupported ciphersuite: %q", string(c))
	}
}

// ChallengeStatus is the lifecycle state of a recovery challenge.
// Transitions are strictly pending -> completed -> applied; no state is
// skipped. Expiry is not a stored state, it is computed on read.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeApplied   ChallengeStatus = "applied"
)

// GuardianStatus marks whether a guardian still counts toward the threshold.
type GuardianStatus string

const (
	GuardianActive  GuardianStatus = "active"
	GuardianRemoved GuardianStatus = "removed"
)

// GuardianType tags the concrete variant held by a GuardianKind.
type GuardianType string

const (
	GuardianTypeEmail     GuardianType = "email"
	GuardianTypeTwoFactor GuardianType = "two_factor"
)

// GuardianKind is a sealed tagged variant of the two guardian flavors.
// Modeling this as a closed interface rather than optional fields forces
// every guardian-specific branch (notification delivery vs. interactive code
// entry) to handle both cases explicitly.
type GuardianKind interface {
	Type() GuardianType
	guardianKind()
}

// EmailGuardian is a third party reachable at a (normalized) email address.
// Approval is delivered out of band as a single-use token link.
type EmailGuardian struct {
	Address string
}

func (EmailGuardian) Type() GuardianType { return GuardianTypeEmail }
func (EmailGuardian) guardianKind()      {}

// TwoFactorGuardian maps 1:1 to the account owner's own TOTP/backup-code
// secret. It approves interactively with a code, never via a delivered token.
type TwoFactorGuardian struct{}

func (TwoFactorGuardian) Type() GuardianType { return GuardianTypeTwoFactor }
func (TwoFactorGuardian) guardianKind()      {}

// NormalizeEmail canonicalizes an email address for idempotent guardian
// lookups: trim surrounding whitespace and lowercase.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User is the account a recovery config protects. Identifier resolution at
// challenge start accepts either the account email or the dedicated recovery
// ID, never guardian-provided data.
type User struct {
	ID               string
	Email            string
	RecoveryID       string
	TwoFactorEnabled bool
}

// RecoveryConfig is the per-user threshold signing group. One per user.
// Invariant: 1 <= Threshold <= TotalGuardians. Once a challenge references a
// config, only guardian membership may change.
type RecoveryConfig struct {
	ID               string
	UserID           string
	Threshold        int
	TotalGuardians   int
	GroupPublicKey   string
	PublicKeyPackage string
	Ciphersuite      Ciphersuite
	Status           string
	CreatedAt        time.Time
}

// Validate checks the threshold invariant and ciphersuite.
func (c RecoveryConfig) Validate() error {
	if c.Threshold < 1 || c.Threshold > c.TotalGuardians {
		return fmt.Errorf("invalid threshold %d for %d guardians", c.Threshold, c.TotalGuardians)
	}
	return c.Ciphersuite.Validate()
}

// Guardian is one participant slot in a recovery config. ParticipantIndex is
// a positive integer unique within the config, stable for the guardian's
// lifetime; it is the FROST participant identifier and is referenced by
// historical challenge signing sets, so it is never renumbered.
type Guardian struct {
	ID               string
	ConfigID         string
	Kind             GuardianKind
	ParticipantIndex int
	Status           GuardianStatus
	CreatedAt        time.Time
}

// RecoveryChallenge is a single recovery attempt. A fresh random nonce is
// bound into the signed message so signatures cannot be replayed across
// challenges for the same user.
type RecoveryChallenge struct {
	ID                  string
	UserID              string
	ConfigID            string
	Nonce               []byte
	Status              ChallengeStatus
	SignaturesCollected int
	AggregatedSignature string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	CompletedAt         *time.Time
}

// Expired reports whether the challenge is past its deadline. Expired rows
// stay in storage for audit; they are inert, not deleted.
func (c RecoveryChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// GuardianApproval tracks one guardian's single-use approval token for one
// challenge. Only the SHA-256 hash of the token is stored. ApprovedAt is set
// exactly once; re-approving an already-approved record is a no-op.
type GuardianApproval struct {
	ID             string
	ChallengeID    string
	GuardianID     string
	TokenHash      string
	TokenExpiresAt time.Time
	ApprovedAt     *time.Time
}

// TokenExpired reports whether the approval token is past its deadline.
func (a GuardianApproval) TokenExpired(now time.Time) bool {
	return !now.Before(a.TokenExpiresAt)
}

// ContextToken is the client-context token issued at challenge start and
// consumed when the rewrap phase finishes. Stored hashed, single use.
type ContextToken struct {
	TokenHash   string
	ChallengeID string
	UserID      string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// TwoFactorMaterial is the account owner's encrypted TOTP secret and backup
// code set. Version guards read-modify-write of the code set: a backup code
// consumed by one approval attempt must not survive a concurrent attempt.
type TwoFactorMaterial struct {
	UserID         string
	SecretEnc      []byte
	BackupCodesEnc []byte
	Version        int64
}

// RecoverySecretWrapper maps a secret's DEK, wrapped under the recovery key,
// to the secret it encrypts. Unique per secret ID. Secrets without one are
// not guardian-recoverable and are skipped during rewrap.
type RecoverySecretWrapper struct {
	SecretID   string
	UserID     string
	WrappedDEK []byte
}

// KEKSourceRecovery tags wrappers produced by the recovery flow, as opposed
// to wrappers created directly under a credential at secret creation.
const KEKSourceRecovery = "recovery"

// SecretWrapper is a DEK wrapped under a specific credential's KEK. Upserts
// are keyed by (SecretID, CredentialID) so re-running finalize is idempotent.
type SecretWrapper struct {
	SecretID     string
	UserID       string
	CredentialID string
	KEKSource    string
	Payload      WrappedKey
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WrappedKey is the wire shape of a wrapped DEK as produced by the client in
// the hardened rewrap flow: {"alg", "iv", "ciphertext"}, all fields required,
// iv and ciphertext base64.
type WrappedKey struct {
	Alg        string `json:"alg"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Validate checks the wrapper payload by shape. The server never unwraps
// client-produced wrappers, so shape is all it can check.
func (w WrappedKey) Validate() error {
	if w.Alg == "" {
		return errors.New("wrapper alg is required")
	}
	if w.IV == "" || w.Ciphertext == "" {
		return errors.New("wrapper iv and ciphertext are required")
	}
	if _, err := base64.StdEncoding.DecodeString(w.IV); err != nil {
		return fmt.Errorf("wrapper iv is not valid base64: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(w.Ciphertext); err != nil {
		return fmt.Errorf("wrapper ciphertext is not valid base64: %w", err)
	}
	return nil
}
