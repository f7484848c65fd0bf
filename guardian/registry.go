// Package guardian manages the set of guardians attached to a recovery
// config: enrollment of email and two-factor guardians, stable participant
// index assignment, and removal.
package guardian

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
)

// ErrSlotsExhausted is returned when every participant index in [1, N] is
// already held by a guardian.
var ErrSlotsExhausted = errors.New("all guardian slots are in use")

// Registry manages guardian membership for recovery configs. Participant
// indices are stable FROST identifiers: they are never renumbered, and a
// freed index is only ever handed to a brand-new guardian.
type Registry struct {
	store interfaces.Store
	log   *slog.Logger
}

// NewRegistry creates a guardian registry backed by the given store.
func NewRegistry(store interfaces.Store, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// AddGuardian enrolls an email guardian. The address is normalized before
// matching; enrolling an address that is already a guardian returns the
// existing guardian unchanged. Fails with ErrSlotsExhausted (classified
// PreconditionFailed) when no participant index in [1, N] is free.
func (r *Registry) AddGuardian(ctx context.Context, config interfaces.RecoveryConfig, email string) (interfaces.Guardian, error) {
	address := interfaces.NormalizeEmail(email)
	if address == "" {
		return interfaces.Guardian{}, interfaces.E(interfaces.KindBadRequest, "guardian email is required")
	}

	guardians, err := r.store.ListGuardians(ctx, config.ID)
	if err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	for _, g := range guardians {
		if eg, ok := g.Kind.(interfaces.EmailGuardian); ok && eg.Address == address {
			return g, nil
		}
	}

	index, err := lowestFreeIndex(guardians, config.TotalGuardians)
	if err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindPreconditionFailed, err)
	}

	g := interfaces.Guardian{
		ID:               uuid.NewString(),
		ConfigID:         config.ID,
		Kind:             interfaces.EmailGuardian{Address: address},
		ParticipantIndex: index,
		Status:           interfaces.GuardianActive,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.CreateGuardian(ctx, g); err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	r.log.Info("Guardian enrolled", "configID", config.ID, "guardianID", g.ID, "participantIndex", index)
	return g, nil
}

// AddTwoFactorGuardian enrolls the account owner's own second factor as a
// guardian. Requires the user to have two-factor enabled; at most one
// two-factor guardian may exist per config. Idempotent like AddGuardian.
func (r *Registry) AddTwoFactorGuardian(ctx context.Context, config interfaces.RecoveryConfig) (interfaces.Guardian, error) {
	user, err := r.store.GetUser(ctx, config.UserID)
	if err != nil {
		return interfaces.Guardian{}, err
	}
	if !user.TwoFactorEnabled {
		return interfaces.Guardian{}, interfaces.E(interfaces.KindPreconditionFailed, "two-factor authentication is not enabled for this account")
	}

	guardians, err := r.store.ListGuardians(ctx, config.ID)
	if err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	for _, g := range guardians {
		if _, ok := g.Kind.(interfaces.TwoFactorGuardian); ok {
			return g, nil
		}
	}

	index, err := lowestFreeIndex(guardians, config.TotalGuardians)
	if err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindPreconditionFailed, err)
	}

	g := interfaces.Guardian{
		ID:               uuid.NewString(),
		ConfigID:         config.ID,
		Kind:             interfaces.TwoFactorGuardian{},
		ParticipantIndex: index,
		Status:           interfaces.GuardianActive,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.store.CreateGuardian(ctx, g); err != nil {
		return interfaces.Guardian{}, interfaces.WrapErr(interfaces.KindInternal, err)
	}

	r.log.Info("Two-factor guardian enrolled", "configID", config.ID, "guardianID", g.ID, "participantIndex", index)
	return g, nil
}

// RemoveGuardian hard-deletes a guardian. Remaining participant indices are
// not renumbered: indices are referenced by historical challenge signing
// sets. The freed index becomes eligible for a future brand-new guardian.
func (r *Registry) RemoveGuardian(ctx context.Context, config interfaces.RecoveryConfig, guardianID string) error {
	g, err := r.store.GetGuardian(ctx, guardianID)
	if err != nil {
		return err
	}
	if g.ConfigID != config.ID {
		return interfaces.E(interfaces.KindNotFound, "guardian %s does not belong to config %s", guardianID, config.ID)
	}

	if err := r.store.DeleteGuardian(ctx, guardianID); err != nil {
		return interfaces.WrapErr(interfaces.KindInternal, err)
	}

	r.log.Info("Guardian removed", "configID", config.ID, "guardianID", guardianID, "participantIndex", g.ParticipantIndex)
	return nil
}

// lowestFreeIndex computes the smallest unused participant index in [1, max].
func lowestFreeIndex(guardians []interfaces.Guardian, max int) (int, error) {
	if len(guardians) >= max {
		return 0, ErrSlotsExhausted
	}

	taken := make(map[int]bool, len(guardians))
	for _, g := range guardians {
		taken[g.ParticipantIndex] = true
	}
	for i := 1; i <= max; i++ {
		if !taken[i] {
			return i, nil
		}
	}
	return 0, ErrSlotsExhausted
}
