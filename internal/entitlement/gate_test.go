package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messattend/internal/directory"
	"messattend/internal/model"
)

const day = "2025-03-10"

func seeded(confirmationRequired bool) (*Gate, *directory.Memory, model.Mess) {
	dir := directory.NewMemory()
	mess := model.Mess{ID: "mess-1", ConfirmationRequired: confirmationRequired}
	dir.PutMess(mess)
	dir.PutSubscription(model.Subscription{
		ID: "sub-1", UserID: "u1", MessID: "mess-1",
		StartDate: "2025-03-01", EndDate: "2025-03-31",
		Paid: true, Breakfast: true, Lunch: true, Dinner: false,
		CreatedAt: time.Now(),
	})
	return NewGate(dir, dir), dir, mess
}

func TestCheck_Allows(t *testing.T) {
	t.Parallel()
	gate, _, mess := seeded(false)

	sub, flip, err := gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.False(t, flip)
}

func TestCheck_NoSubscription(t *testing.T) {
	t.Parallel()
	gate, _, mess := seeded(false)

	_, _, err := gate.Check(context.Background(), "stranger", mess, day, model.MealLunch)
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)

	// Outside the validity window counts as no subscription too.
	_, _, err = gate.Check(context.Background(), "u1", mess, "2025-04-02", model.MealLunch)
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)
}

func TestCheck_UnpaidSubscription(t *testing.T) {
	t.Parallel()
	dir := directory.NewMemory()
	mess := model.Mess{ID: "mess-1"}
	dir.PutSubscription(model.Subscription{
		ID: "sub-unpaid", UserID: "u1", MessID: "mess-1",
		StartDate: "2025-03-01", EndDate: "2025-03-31",
		Paid: false, Lunch: true,
	})
	gate := NewGate(dir, dir)

	_, _, err := gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)
}

func TestCheck_MealNotIncluded(t *testing.T) {
	t.Parallel()
	gate, _, mess := seeded(false)

	_, _, err := gate.Check(context.Background(), "u1", mess, day, model.MealDinner)
	assert.ErrorIs(t, err, model.ErrMealNotIncluded)
}

func TestCheck_ConfirmationRequired(t *testing.T) {
	t.Parallel()
	gate, dir, mess := seeded(true)

	// No confirmation on file.
	_, _, err := gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	assert.ErrorIs(t, err, model.ErrConfirmationRequired)

	// Cancelled does not count.
	dir.PutConfirmation(model.MealConfirmation{
		UserID: "u1", MessID: "mess-1", Day: day, Meal: model.MealLunch,
		Status: model.ConfirmationCancelled,
	})
	_, _, err = gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	assert.ErrorIs(t, err, model.ErrConfirmationRequired)

	// Confirmed passes and reports that the gate applied.
	dir.PutConfirmation(model.MealConfirmation{
		UserID: "u1", MessID: "mess-1", Day: day, Meal: model.MealLunch,
		Status: model.ConfirmationConfirmed,
	})
	sub, flip, err := gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	require.NoError(t, err)
	assert.True(t, flip)
	assert.Equal(t, "sub-1", sub.ID)
}

func TestCheck_AttendedConfirmationStillPasses(t *testing.T) {
	t.Parallel()
	gate, dir, mess := seeded(true)

	// After a winning commit the confirmation reads attended. The gate still
	// passes (no flip) so a repeat attempt surfaces as a ledger duplicate.
	dir.PutConfirmation(model.MealConfirmation{
		UserID: "u1", MessID: "mess-1", Day: day, Meal: model.MealLunch,
		Status: model.ConfirmationAttended,
	})
	_, flip, err := gate.Check(context.Background(), "u1", mess, day, model.MealLunch)
	require.NoError(t, err)
	assert.False(t, flip)
}
