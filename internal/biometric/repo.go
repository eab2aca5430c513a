package biometric

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"messattend/internal/model"
)

// Repo persists credentials in Postgres. Uniqueness of credential ids and
// the single-active-credential rule are carried by database indexes, so the
// invariants hold even when enrollment races across workers.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

const credentialColumns = `id, user_id, credential_id, public_key, sign_count, status,
	device_name, aaguid, created_at, revoked_at, revoke_reason`

func scanCredential(row *sql.Row) (*model.Credential, error) {
	var c model.Credential
	var deviceName, aaguid, reason sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.SignCount, &c.Status,
		&deviceName, &aaguid, &c.CreatedAt, &revokedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.DeviceName = deviceName.String
	c.AAGUID = aaguid.String
	c.RevokeReason = reason.String
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	return &c, nil
}

// ActiveByUser returns the user's active credential, or nil.
func (r *Repo) ActiveByUser(ctx context.Context, userID string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM biometric_credentials
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	return scanCredential(row)
}

// ByCredentialID returns the credential regardless of status, or nil.
func (r *Repo) ByCredentialID(ctx context.Context, credentialID string) (*model.Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM biometric_credentials
		WHERE credential_id = $1
	`, credentialID)
	return scanCredential(row)
}

// Insert persists a new credential, translating uniqueness violations into
// the ceremony's typed errors.
func (r *Repo) Insert(ctx context.Context, cred model.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO biometric_credentials
			(id, user_id, credential_id, public_key, sign_count, status, device_name, aaguid, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, cred.ID, cred.UserID, cred.CredentialID, cred.PublicKey, cred.SignCount, cred.Status,
		nullable(cred.DeviceName), nullable(cred.AAGUID), cred.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "ux_credentials_credential_id":
			return model.ErrCredentialReused
		case "ux_credentials_active_user":
			return model.ErrAlreadyEnrolled
		}
	}
	return err
}

// UpdateSignCount stores a new counter value. The guard keeps the stored
// counter monotonic even if callers race.
func (r *Repo) UpdateSignCount(ctx context.Context, id string, count uint32) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE biometric_credentials SET sign_count = $2 WHERE id = $1 AND sign_count < $2
	`, id, count)
	return err
}

// Revoke marks the credential revoked with a reason and timestamp.
func (r *Repo) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE biometric_credentials
		SET status = 'revoked', revoked_at = $2, revoke_reason = $3
		WHERE id = $1 AND status = 'active'
	`, id, at, reason)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
