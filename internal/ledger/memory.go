package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"messattend/internal/model"
)

// ConfirmationFlipper applies the confirmed → attended transition when a
// memory commit wins. The Postgres repo does this inside its transaction;
// the memory ledger calls the hook under its own lock for the same effect.
type ConfirmationFlipper interface {
	MarkAttended(ctx context.Context, userID, messID, day string, meal model.Meal) error
}

// Memory is an in-process Ledger for dev mode and tests.
type Memory struct {
	mu      sync.Mutex
	byKey   map[string]model.AttendanceRecord
	ordered []model.AttendanceRecord
	flipper ConfirmationFlipper
	now     func() time.Time
}

// NewMemory creates an empty ledger; flipper may be nil.
func NewMemory(flipper ConfirmationFlipper) *Memory {
	return &Memory{byKey: make(map[string]model.AttendanceRecord), flipper: flipper, now: time.Now}
}

// WithClock overrides the clock; tests use this.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func ledgerKey(userID, messID, day string, meal model.Meal) string {
	return userID + "|" + messID + "|" + day + "|" + string(meal)
}

func (m *Memory) Commit(ctx context.Context, in CommitInput) (model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey(in.UserID, in.MessID, in.Day, in.Meal)
	if _, exists := m.byKey[key]; exists {
		return model.AttendanceRecord{}, model.ErrDuplicateAttendance
	}
	rec := model.AttendanceRecord{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		MessID:         in.MessID,
		SubscriptionID: in.SubscriptionID,
		Day:            in.Day,
		Meal:           in.Meal,
		Channel:        in.Channel,
		Location:       in.Location,
		DistanceM:      in.DistanceM,
		IsValid:        true,
		CheckedInAt:    m.now().UTC(),
		Note:           in.Note,
	}
	m.byKey[key] = rec
	m.ordered = append(m.ordered, rec)

	if in.FlipConfirmation && m.flipper != nil {
		if err := m.flipper.MarkAttended(ctx, in.UserID, in.MessID, in.Day, in.Meal); err != nil {
			delete(m.byKey, key)
			m.ordered = m.ordered[:len(m.ordered)-1]
			return model.AttendanceRecord{}, err
		}
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}
	var out []model.AttendanceRecord
	skipped := 0
	for i := len(m.ordered) - 1; i >= 0 && len(out) < f.Limit; i-- {
		rec := m.ordered[i]
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.MessID != "" && rec.MessID != f.MessID {
			continue
		}
		if f.Day != "" && rec.Day != f.Day {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
