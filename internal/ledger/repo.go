package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"messattend/internal/model"
)

// Repo persists attendance in Postgres. The partial unique index on
// (user_id, mess_id, day, meal) WHERE is_valid carries the core invariant;
// commit and confirmation flip run in one transaction so the flip can never
// apply without a winning insert.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Commit writes the record, failing with DuplicateAttendance when a valid
// record already holds the key.
func (r *Repo) Commit(ctx context.Context, in CommitInput) (model.AttendanceRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

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
		Note:           in.Note,
	}
	var lat, lng *float64
	if in.Location != nil {
		lat, lng = &in.Location.Lat, &in.Location.Lng
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, mess_id, subscription_id, day, meal, channel, lat, lng, distance_m, is_valid, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE,$11)
		ON CONFLICT (user_id, mess_id, day, meal) WHERE is_valid DO NOTHING
		RETURNING checked_in_at
	`, rec.ID, rec.UserID, rec.MessID, rec.SubscriptionID, rec.Day, rec.Meal, rec.Channel,
		lat, lng, rec.DistanceM, nullNote(rec.Note))
	if err := row.Scan(&rec.CheckedInAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AttendanceRecord{}, model.ErrDuplicateAttendance
		}
		return model.AttendanceRecord{}, err
	}

	if in.FlipConfirmation {
		if _, err := tx.ExecContext(ctx, `
			UPDATE meal_confirmations
			SET status = 'attended', updated_at = NOW()
			WHERE user_id = $1 AND mess_id = $2 AND day = $3 AND meal = $4 AND status = 'confirmed'
		`, in.UserID, in.MessID, in.Day, in.Meal); err != nil {
			return model.AttendanceRecord{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.AttendanceRecord{}, err
	}
	return rec, nil
}

// List returns records with basic filters, newest first.
func (r *Repo) List(ctx context.Context, f Filter) ([]model.AttendanceRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, user_id, mess_id, subscription_id, day, meal, channel, lat, lng, distance_m, is_valid, checked_in_at, note
		FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.MessID != "" {
		args = append(args, f.MessID)
		clauses = append(clauses, fmt.Sprintf("mess_id = $%d", len(args)))
	}
	if f.Day != "" {
		args = append(args, f.Day)
		clauses = append(clauses, fmt.Sprintf("day = $%d", len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += fmt.Sprintf(" ORDER BY checked_in_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []model.AttendanceRecord
	for rows.Next() {
		var rec model.AttendanceRecord
		var lat, lng sql.NullFloat64
		var dist sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MessID, &rec.SubscriptionID, &rec.Day, &rec.Meal,
			&rec.Channel, &lat, &lng, &dist, &rec.IsValid, &rec.CheckedInAt, &note); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			rec.Location = &model.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		if dist.Valid {
			d := int(dist.Int64)
			rec.DistanceM = &d
		}
		rec.Note = note.String
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertFraudAlert records a flagged event for admin review.
func (r *Repo) InsertFraudAlert(ctx context.Context, alert model.FraudAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, kind, user_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, alert.ID, alert.Kind, alert.UserID, alert.Detail, alert.CreatedAt)
	return err
}

func nullNote(s string) any {
	if s == "" {
		return nil
	}
	return s
}
