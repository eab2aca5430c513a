package directory

import (
	"context"
	"errors"
	"time"
)

// Stations are the scanner endpoints calling the check-in API. Registration
// and refresh-token bookkeeping are API plumbing, not part of the
// verification core, but they live with the directory's storage.

// RegisterStation ensures a station record exists.
func (r *Repo) RegisterStation(ctx context.Context, stationID string) error {
	if stationID == "" {
		return errors.New("station id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stations (station_id)
		VALUES ($1)
		ON CONFLICT (station_id) DO NOTHING
	`, stationID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repo) SaveRefreshToken(ctx context.Context, stationID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (station_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, stationID, token, expiresAt)
	return err
}

// RegisterStation records the station id in memory.
func (m *Memory) RegisterStation(_ context.Context, stationID string) error {
	if stationID == "" {
		return errors.New("station id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stations == nil {
		m.stations = make(map[string]struct{})
	}
	m.stations[stationID] = struct{}{}
	return nil
}

// SaveRefreshToken is a no-op for the memory directory.
func (m *Memory) SaveRefreshToken(context.Context, string, string, time.Time) error {
	return nil
}
