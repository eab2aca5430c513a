// Package ledger owns the authoritative attendance record. Commit is the
// single write path for new attendance; at most one valid record may exist
// per (user, mess, day, meal) no matter how requests interleave.
package ledger

import (
	"context"

	"messattend/internal/model"
)

// CommitInput describes one check-in to record.
type CommitInput struct {
	UserID           string
	MessID           string
	SubscriptionID   string
	Day              string
	Meal             model.Meal
	Channel          model.Channel
	Location         *model.Point
	DistanceM        *int
	FlipConfirmation bool
	Note             string
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	UserID string
	MessID string
	Day    string
	Limit  int
	Offset int
}

// Ledger is the storage contract the orchestrator commits through. The
// uniqueness invariant must be enforced by the implementation's storage
// atomicity, not by callers; a losing concurrent commit gets
// model.ErrDuplicateAttendance.
type Ledger interface {
	Commit(ctx context.Context, in CommitInput) (model.AttendanceRecord, error)
	List(ctx context.Context, f Filter) ([]model.AttendanceRecord, error)
}
