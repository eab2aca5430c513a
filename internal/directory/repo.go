// Package directory reads the externally owned records the verification core
// consumes: users, messes, subscriptions, and meal confirmations. All writes
// to these entities happen elsewhere; the one exception, flipping a
// confirmation to attended, belongs to the ledger commit transaction.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"messattend/internal/model"
)

// Repo reads directory records from Postgres.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// GetUser returns the user or nil when unknown.
func (r *Repo) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, mess_id, active FROM users WHERE id = $1
	`, id)
	var u model.User
	if err := row.Scan(&u.ID, &u.MessID, &u.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetMess returns the mess with its meal window overrides, or nil.
func (r *Repo) GetMess(ctx context.Context, id string) (*model.Mess, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, lat, lng, radius_m, confirmation_required, windows
		FROM messes WHERE id = $1
	`, id)
	var m model.Mess
	var windows []byte
	if err := row.Scan(&m.ID, &m.Name, &m.Location.Lat, &m.Location.Lng, &m.RadiusM, &m.ConfirmationRequired, &windows); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(windows) > 0 {
		parsed, err := parseWindows(windows)
		if err != nil {
			return nil, fmt.Errorf("mess %s windows: %w", id, err)
		}
		m.Windows = parsed
	}
	return &m, nil
}

// FindActiveSubscription returns the paid subscription whose validity window
// contains day, or nil. Meal inclusion is the gate's concern, not a filter
// here, so MealNotIncluded can be distinguished from NoActiveSubscription.
func (r *Repo) FindActiveSubscription(ctx context.Context, userID, messID, day string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, mess_id, start_date, end_date, paid, breakfast, lunch, dinner, created_at
		FROM subscriptions
		WHERE user_id = $1 AND mess_id = $2 AND paid AND start_date <= $3 AND end_date >= $3
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, messID, day)
	var s model.Subscription
	if err := row.Scan(&s.ID, &s.UserID, &s.MessID, &s.StartDate, &s.EndDate, &s.Paid,
		&s.Breakfast, &s.Lunch, &s.Dinner, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetConfirmation returns the meal confirmation for the exact key, or nil.
func (r *Repo) GetConfirmation(ctx context.Context, userID, messID, day string, meal model.Meal) (*model.MealConfirmation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, mess_id, day, meal, status, updated_at
		FROM meal_confirmations
		WHERE user_id = $1 AND mess_id = $2 AND day = $3 AND meal = $4
	`, userID, messID, day, meal)
	var c model.MealConfirmation
	if err := row.Scan(&c.UserID, &c.MessID, &c.Day, &c.Meal, &c.Status, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// windowJSON is the stored shape of a per-mess override, "HH:MM" bounds.
type windowJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseWindows(raw []byte) (map[model.Meal]model.Window, error) {
	var stored map[string]windowJSON
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	out := make(map[model.Meal]model.Window, len(stored))
	for name, w := range stored {
		meal := model.Meal(name)
		if !meal.Valid() {
			return nil, fmt.Errorf("unknown meal %q", name)
		}
		start, err := time.Parse("15:04", w.Start)
		if err != nil {
			return nil, fmt.Errorf("start of %s: %w", name, err)
		}
		end, err := time.Parse("15:04", w.End)
		if err != nil {
			return nil, fmt.Errorf("end of %s: %w", name, err)
		}
		out[meal] = model.Window{
			StartHour: start.Hour(), StartMin: start.Minute(),
			EndHour: end.Hour(), EndMin: end.Minute(),
		}
	}
	return out, nil
}
