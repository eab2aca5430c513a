// Package entitlement decides whether a user may claim a given meal: an
// active, paid subscription must cover the date and include the meal, and a
// mess may additionally require an advance meal confirmation.
package entitlement

import (
	"context"
	"fmt"

	"messattend/internal/model"
)

// SubscriptionSource returns the paid subscription covering day, or nil.
type SubscriptionSource interface {
	FindActiveSubscription(ctx context.Context, userID, messID, day string) (*model.Subscription, error)
}

// ConfirmationSource returns the confirmation for the exact key, or nil.
type ConfirmationSource interface {
	GetConfirmation(ctx context.Context, userID, messID, day string, meal model.Meal) (*model.MealConfirmation, error)
}

// Gate evaluates entitlement. It never mutates anything; the confirmed →
// attended transition is applied by the ledger commit, and only when that
// commit wins.
type Gate struct {
	subs  SubscriptionSource
	confs ConfirmationSource
}

// NewGate creates a gate over the given sources.
func NewGate(subs SubscriptionSource, confs ConfirmationSource) *Gate {
	return &Gate{subs: subs, confs: confs}
}

// Check returns the entitling subscription and whether a confirmation gate
// applied (so the caller knows to flip it at commit time).
func (g *Gate) Check(ctx context.Context, userID string, mess model.Mess, day string, meal model.Meal) (*model.Subscription, bool, error) {
	sub, err := g.subs.FindActiveSubscription(ctx, userID, mess.ID, day)
	if err != nil {
		return nil, false, fmt.Errorf("subscription lookup: %w", err)
	}
	if sub == nil {
		return nil, false, model.ErrNoActiveSubscription
	}
	if !sub.Includes(meal) {
		return nil, false, model.ErrMealNotIncluded
	}
	if !mess.ConfirmationRequired {
		return sub, false, nil
	}
	conf, err := g.confs.GetConfirmation(ctx, userID, mess.ID, day, meal)
	if err != nil {
		return nil, false, fmt.Errorf("confirmation lookup: %w", err)
	}
	if conf == nil {
		return nil, false, model.ErrConfirmationRequired
	}
	switch conf.Status {
	case model.ConfirmationConfirmed:
		return sub, true, nil
	case model.ConfirmationAttended:
		// Already flipped by an earlier commit; let the ledger report the
		// duplicate rather than masking it as a missing confirmation.
		return sub, false, nil
	default:
		return nil, false, model.ErrConfirmationRequired
	}
}
