package interfaces

import "context"

// SignRequest asks the external FROST coordinator for one aggregated
// signature over Message using the shares of the listed participants.
type SignRequest struct {
	GroupPublicKey     string
	Ciphersuite        Ciphersuite
	Threshold          int
	Message            []byte
	ParticipantIndices []int
	TotalParticipants  int
}

// SignResult is the coordinator's aggregated output. SignaturesCollected is
// the number of shares actually used, which may exceed the threshold.
type SignResult struct {
	Signature           string
	SignaturesCollected int
}

// SigningCoordinator is the narrow interface to the external FROST signing
// service. The multi-round nonce/share exchange happens entirely inside the
// coordinator; this core only sees the aggregated result. Failures are
// opaque: callers treat every error as KindInternal and leave the challenge
// pending so a retry can re-trigger signing.
type SigningCoordinator interface {
	Sign(ctx context.Context, req SignRequest) (SignResult, error)
}

// ApprovalDelivery is one guardian's raw approval token, addressed for
// out-of-band delivery. The raw token exists only in transit; storage holds
// its hash.
type ApprovalDelivery struct {
	Email string
	Token string
}

// GuardianNotification is the delivery request for a challenge's email
// guardians. Two-factor guardians approve interactively and are never
// included.
type GuardianNotification struct {
	AccountEmail string
	Approvals    []ApprovalDelivery
}

// DeliveryReceipt reports how many notifications went out and through which
// mechanism. Transport mechanics (SMTP, webhook) are out of scope here.
type DeliveryReceipt struct {
	Mode      string
	Delivered int
}

// GuardianNotifier delivers approval tokens to email guardians out of band.
type GuardianNotifier interface {
	Deliver(ctx context.Context, notification GuardianNotification) (DeliveryReceipt, error)
}

// TwoFactorMethod identifies which verification path matched a code.
type TwoFactorMethod string

const (
	MethodTOTP       TwoFactorMethod = "totp"
	MethodBackupCode TwoFactorMethod = "backup_code"
)

// TwoFactorVerifier checks a user-supplied code against the account owner's
// TOTP secret and backup-code set. A matched backup code is atomically
// removed from the stored set before the method returns; the same code must
// fail on any later or concurrent attempt.
type TwoFactorVerifier interface {
	Verify(ctx context.Context, userID, code string) (TwoFactorMethod, error)
}
