package recovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/keyhaven/guardian-recovery-backend/cryptoutils"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/metrics"
)

// ChallengeTTL is how long a challenge and its approval tokens stay valid.
const ChallengeTTL = 15 * time.Minute

// signingClaimTTL is how long a signing claim is honored before being
// treated as abandoned by a crashed process. It must exceed the signing
// client's HTTP timeout, otherwise a slow but live coordinator call would
// be claimed over and invoked a second time.
const signingClaimTTL = 2 * time.Minute

// RatePolicy bounds recovery starts per user per rolling window. Counts are
// derived from durable challenge rows, never in-memory counters, so the
// limit holds across restarts and multiple server instances.
type RatePolicy struct {
	MaxStarts int
	Window    time.Duration
}

// DefaultRatePolicy allows three recovery starts per user per 24 hours.
var DefaultRatePolicy = RatePolicy{MaxStarts: 3, Window: 24 * time.Hour}

// Service drives recovery challenges against the store and the external
// collaborators. All state lives in storage; the service itself is
// stateless and safe for concurrent use.
type Service struct {
	store     interfaces.Store
	signer    interfaces.SigningCoordinator
	notifier  interfaces.GuardianNotifier
	twoFactor interfaces.TwoFactorVerifier
	policy    RatePolicy
	log       *slog.Logger
	now       func() time.Time
}

// NewService creates the recovery challenge service.
func NewService(store interfaces.Store, signer interfaces.SigningCoordinator, notifier interfaces.GuardianNotifier, twoFactor interfaces.TwoFactorVerifier, policy RatePolicy, log *slog.Logger) *Service {
	if policy.MaxStarts <= 0 {
		policy = DefaultRatePolicy
	}
	return &Service{
		store:     store,
		signer:    signer,
		notifier:  notifier,
		twoFactor: twoFactor,
		policy:    policy,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ApprovalIssue describes one guardian's pending approval in a start result.
// Token is populated only for the two-factor guardian: the account owner
// approves that slot interactively, while email guardians receive their
// tokens out of band and never through this response.
type ApprovalIssue struct {
	GuardianID       string
	GuardianType     interfaces.GuardianType
	ParticipantIndex int
	Token            string
}

// StartResult is the outcome of starting a recovery challenge.
type StartResult struct {
	ChallengeID  string
	ContextToken string
	Approvals    []ApprovalIssue
	Threshold    int
	ExpiresAt    time.Time
	Delivery     interfaces.DeliveryReceipt
}

// Start begins a recovery attempt for the user resolved by identifier
// (account email or recovery ID). It enforces the rolling rate limit from
// durable challenge rows, verifies the guardian set can still reach the
// threshold, creates the challenge with a fresh nonce and 15-minute expiry,
// issues one hashed approval token per guardian plus the client-context
// token, and delivers notifications to email guardians.
func (s *Service) Start(ctx context.Context, identifier string) (StartResult, error) {
	now := s.now()

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		return StartResult{}, err
	}

	config, err := s.store.GetRecoveryConfig(ctx, user.ID)
	if err != nil {
		return StartResult{}, err
	}

	recent, err := s.store.CountRecentChallenges(ctx, user.ID, now.Add(-s.policy.Window))
	if err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if recent >= s.policy.MaxStarts {
		return StartResult{}, interfaces.E(interfaces.KindTooManyRequests, "recovery attempt limit reached: %d per %s", s.policy.MaxStarts, s.policy.Window)
	}

	guardians, err := s.store.ListGuardians(ctx, config.ID)
	if err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if len(guardians) < config.Threshold {
		return StartResult{}, interfaces.E(interfaces.KindPreconditionFailed, "only %d guardians enrolled, threshold is %d", len(guardians), config.Threshold)
	}

	// A two-factor guardian can only sign if the user's own 2FA setup still
	// exists; a removed setup invalidates that slot.
	for _, g := range guardians {
		if _, ok := g.Kind.(interfaces.TwoFactorGuardian); !ok {
			continue
		}
		if _, err := s.store.GetTwoFactorMaterial(ctx, user.ID); err != nil {
			if interfaces.IsKind(err, interfaces.KindNotFound) {
				return StartResult{}, interfaces.E(interfaces.KindPreconditionFailed, "two-factor guardian is enrolled but two-factor authentication was removed")
			}
			return StartResult{}, err
		}
	}

	nonce, err := cryptoutils.NewNonce()
	if err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	challenge := interfaces.RecoveryChallenge{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ConfigID:  config.ID,
		Nonce:     nonce,
		Status:    interfaces.ChallengePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ChallengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, challenge); err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	var issues []ApprovalIssue
	var deliveries []interfaces.ApprovalDelivery
	for _, g := range guardians {
		token, err := cryptoutils.NewToken()
		if err != nil {
			return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
		}
		approval := interfaces.GuardianApproval{
			ID:             uuid.NewString(),
			ChallengeID:    challenge.ID,
			GuardianID:     g.ID,
			TokenHash:      cryptoutils.HashToken(token),
			TokenExpiresAt: challenge.ExpiresAt,
		}
		if err := s.store.CreateApproval(ctx, approval); err != nil {
			return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
		}

		issue := ApprovalIssue{
			GuardianID:       g.ID,
			GuardianType:     g.Kind.Type(),
			ParticipantIndex: g.ParticipantIndex,
		}
		switch kind := g.Kind.(type) {
		case interfaces.EmailGuardian:
			deliveries = append(deliveries, interfaces.ApprovalDelivery{Email: kind.Address, Token: token})
		case interfaces.TwoFactorGuardian:
			issue.Token = token
		}
		issues = append(issues, issue)
	}

	contextToken, err := cryptoutils.NewToken()
	if err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if err := s.store.CreateContextToken(ctx, interfaces.ContextToken{
		TokenHash:   cryptoutils.HashToken(contextToken),
		ChallengeID: challenge.ID,
		UserID:      user.ID,
		ExpiresAt:   challenge.ExpiresAt,
	}); err != nil {
		return StartResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	receipt := interfaces.DeliveryReceipt{Mode: "none"}
	if len(deliveries) > 0 {
		receipt, err = s.notifier.Deliver(ctx, interfaces.GuardianNotification{
			AccountEmail: user.Email,
			Approvals:    deliveries,
		})
		if err != nil {
			// The challenge is already live; guardians can still be reached
			// through a later resend. Surface the failure in the receipt.
			s.log.Error("Guardian notification delivery failed", "err", err, "challengeID", challenge.ID)
			receipt = interfaces.DeliveryReceipt{Mode: "failed"}
		}
	}

	metrics.ChallengesStarted.Inc()
	s.log.Info("Recovery challenge started",
		"challengeID", challenge.ID,
		"userID", user.ID,
		"guardians", len(guardians),
		"threshold", config.Threshold,
		"delivered", receipt.Delivered)

	return StartResult{
		ChallengeID:  challenge.ID,
		ContextToken: contextToken,
		Approvals:    issues,
		Threshold:    config.Threshold,
		ExpiresAt:    challenge.ExpiresAt,
		Delivery:     receipt,
	}, nil
}

// GuardianApprovalStatus is one guardian's row in the status projection.
type GuardianApprovalStatus struct {
	GuardianID       string
	GuardianType     interfaces.GuardianType
	ParticipantIndex int
	ApprovedAt       *time.Time
}

// StatusResult is the read-only projection of a challenge used by polling
// UIs.
type StatusResult struct {
	Status            interfaces.ChallengeStatus
	Approvals         int
	Threshold         int
	GuardianApprovals []GuardianApprovalStatus
	ExpiresAt         time.Time
	CompletedAt       *time.Time
}

// Status projects the approval tally for a challenge. It never mutates
// state; expiry is visible through ExpiresAt, not a status change.
func (s *Service) Status(ctx context.Context, challengeID string) (StatusResult, error) {
	challenge, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return StatusResult{}, err
	}

	config, err := s.store.GetRecoveryConfig(ctx, challenge.UserID)
	if err != nil {
		return StatusResult{}, err
	}

	approvals, err := s.store.ListApprovals(ctx, challengeID)
	if err != nil {
		return StatusResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	result := StatusResult{
		Status:      challenge.Status,
		Threshold:   config.Threshold,
		ExpiresAt:   challenge.ExpiresAt,
		CompletedAt: challenge.CompletedAt,
	}
	for _, a := range approvals {
		entry := GuardianApprovalStatus{
			GuardianID: a.GuardianID,
			ApprovedAt: a.ApprovedAt,
		}
		// A guardian removed after the challenge started still shows up in
		// the tally; only its metadata is gone.
		g, err := s.store.GetGuardian(ctx, a.GuardianID)
		if err != nil && !interfaces.IsKind(err, interfaces.KindNotFound) {
			return StatusResult{}, err
		}
		if err == nil {
			entry.GuardianType = g.Kind.Type()
			entry.ParticipantIndex = g.ParticipantIndex
		}
		result.GuardianApprovals = append(result.GuardianApprovals, entry)
		if a.ApprovedAt != nil {
			result.Approvals++
		}
	}
	return result, nil
}

// ApproveResult reports the challenge state after an approval.
type ApproveResult struct {
	Status              interfaces.ChallengeStatus
	Approvals           int
	Threshold           int
	SignaturesCollected int
}

// Approve records a guardian's approval identified by its raw token. For the
// two-factor guardian, code is mandatory and verified as a TOTP or a
// single-use backup code. Approving an already-approved token is a no-op
// that returns the current state. When the approval brings the count of
// distinct approvals to the threshold on a still-pending challenge, Approve
// claims the signing slot, invokes the signing coordinator over the bound
// challenge message, and completes the challenge. Coordinator failures
// surface as InternalError and leave the challenge pending with all
// approvals intact, so a retried or fresh approval re-triggers signing.
func (s *Service) Approve(ctx context.Context, rawToken, code string) (ApproveResult, error) {
	now := s.now()

	approval, err := s.store.GetApprovalByTokenHash(ctx, cryptoutils.HashToken(rawToken))
	if err != nil {
		return ApproveResult{}, err
	}
	if approval.TokenExpired(now) {
		return ApproveResult{}, interfaces.E(interfaces.KindTimeout, "approval token has expired")
	}

	g, err := s.store.GetGuardian(ctx, approval.GuardianID)
	if err != nil {
		return ApproveResult{}, err
	}
	if g.Status != interfaces.GuardianActive {
		return ApproveResult{}, interfaces.E(interfaces.KindPreconditionFailed, "guardian is no longer active")
	}

	// The token can outlive the challenge in edge cases; both deadlines are
	// checked.
	challenge, err := s.store.GetChallenge(ctx, approval.ChallengeID)
	if err != nil {
		return ApproveResult{}, err
	}
	if challenge.Expired(now) {
		return ApproveResult{}, interfaces.E(interfaces.KindTimeout, "recovery challenge has expired")
	}

	switch g.Kind.(type) {
	case interfaces.TwoFactorGuardian:
		if code == "" {
			return ApproveResult{}, interfaces.E(interfaces.KindBadRequest, "two-factor code is required for this guardian")
		}
		method, err := s.twoFactor.Verify(ctx, challenge.UserID, code)
		if err != nil {
			return ApproveResult{}, err
		}
		s.log.Info("Two-factor guardian verified", "challengeID", challenge.ID, "method", string(method))
	case interfaces.EmailGuardian:
		// Possession of the emailed token is the proof.
	}

	if err := s.store.ConsumeApproval(ctx, approval.ID, now); err != nil {
		return ApproveResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	metrics.ApprovalsRecorded.WithLabelValues(string(g.Kind.Type())).Inc()

	config, err := s.store.GetRecoveryConfig(ctx, challenge.UserID)
	if err != nil {
		return ApproveResult{}, err
	}

	return s.maybeTriggerSigning(ctx, challenge, config, now)
}

// maybeTriggerSigning recounts approvals and, when the threshold is reached
// on a pending challenge, performs the single signing attempt this process
// is entitled to.
func (s *Service) maybeTriggerSigning(ctx context.Context, challenge interfaces.RecoveryChallenge, config interfaces.RecoveryConfig, now time.Time) (ApproveResult, error) {
	approvals, err := s.store.ListApprovals(ctx, challenge.ID)
	if err != nil {
		return ApproveResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	approved := make([]interfaces.GuardianApproval, 0, len(approvals))
	for _, a := range approvals {
		if a.ApprovedAt != nil {
			approved = append(approved, a)
		}
	}

	result := ApproveResult{
		Status:    challenge.Status,
		Approvals: len(approved),
		Threshold: config.Threshold,
	}

	// Re-read the row: a concurrent approval may have completed the
	// challenge since we loaded it.
	current, err := s.store.GetChallenge(ctx, challenge.ID)
	if err != nil {
		return ApproveResult{}, err
	}
	result.Status = current.Status
	result.SignaturesCollected = current.SignaturesCollected

	if current.Status != interfaces.ChallengePending || len(approved) < config.Threshold {
		return result, nil
	}

	claimed, err := s.store.ClaimSigning(ctx, challenge.ID, now, now.Add(-signingClaimTTL))
	if err != nil {
		return ApproveResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if !claimed {
		// Another process holds the signing claim or already completed the
		// challenge; report whatever state it recorded.
		latest, err := s.store.GetChallenge(ctx, challenge.ID)
		if err != nil {
			return ApproveResult{}, err
		}
		result.Status = latest.Status
		result.SignaturesCollected = latest.SignaturesCollected
		return result, nil
	}

	signingSet, err := s.selectSigningSet(ctx, approved, config.Threshold)
	if err != nil {
		_ = s.store.ReleaseSigningClaim(ctx, challenge.ID)
		return ApproveResult{}, err
	}

	signResult, err := s.signer.Sign(ctx, interfaces.SignRequest{
		GroupPublicKey:     config.GroupPublicKey,
		Ciphersuite:        config.Ciphersuite,
		Threshold:          config.Threshold,
		Message:            SigningMessage(challenge.ID, challenge.Nonce),
		ParticipantIndices: signingSet,
		TotalParticipants:  config.TotalGuardians,
	})
	if err != nil {
		// Approvals stay recorded; a later approval re-triggers signing.
		if relErr := s.store.ReleaseSigningClaim(ctx, challenge.ID); relErr != nil {
			s.log.Error("Failed to release signing claim", "err", relErr, "challengeID", challenge.ID)
		}
		metrics.SigningFailures.Inc()
		s.log.Error("Signing coordinator failed", "err", err, "challengeID", challenge.ID)
		return ApproveResult{}, interfaces.E(interfaces.KindInternal, "signature aggregation failed: %w", err)
	}

	completed, err := s.store.CompleteChallenge(ctx, challenge.ID, signResult.Signature, signResult.SignaturesCollected, s.now())
	if err != nil {
		return ApproveResult{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}
	if !completed {
		latest, err := s.store.GetChallenge(ctx, challenge.ID)
		if err != nil {
			return ApproveResult{}, err
		}
		result.Status = latest.Status
		result.SignaturesCollected = latest.SignaturesCollected
		return result, nil
	}

	metrics.ChallengesCompleted.Inc()
	s.log.Info("Recovery challenge completed",
		"challengeID", challenge.ID,
		"signaturesCollected", signResult.SignaturesCollected,
		"signingSet", signingSet)

	result.Status = interfaces.ChallengeCompleted
	result.SignaturesCollected = signResult.SignaturesCollected
	return result, nil
}

// selectSigningSet picks the threshold-many earliest-approved guardians,
// ordered by approval time with guardian ID as the stable tie-breaker, and
// resolves their participant indices.
func (s *Service) selectSigningSet(ctx context.Context, approved []interfaces.GuardianApproval, threshold int) ([]int, error) {
	sort.Slice(approved, func(i, j int) bool {
		if approved[i].ApprovedAt.Equal(*approved[j].ApprovedAt) {
			return approved[i].GuardianID < approved[j].GuardianID
		}
		return approved[i].ApprovedAt.Before(*approved[j].ApprovedAt)
	})

	indices := make([]int, 0, threshold)
	seen := make(map[int]bool)
	for _, a := range approved {
		if len(indices) == threshold {
			break
		}
		g, err := s.store.GetGuardian(ctx, a.GuardianID)
		if err != nil {
			return nil, err
		}
		if seen[g.ParticipantIndex] {
			continue
		}
		seen[g.ParticipantIndex] = true
		indices = append(indices, g.ParticipantIndex)
	}

	// Duplicate participant indices can only shrink the set below threshold.
	if len(indices) < threshold {
		return nil, interfaces.E(interfaces.KindPreconditionFailed, "only %d distinct participants resolvable, threshold is %d", len(indices), threshold)
	}
	return indices, nil
}
