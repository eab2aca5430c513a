package qrtoken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messattend/internal/model"
	"messattend/internal/store"
)

const (
	user = "u1"
	mess = "mess-1"
	day  = "2025-03-10"
)

type fixture struct {
	svc *Service
	kv  *store.MemoryEphemeral
	now time.Time
	mu  sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture() *fixture {
	f := &fixture{now: time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)}
	f.kv = store.NewMemoryEphemeral().WithClock(f.clock)
	f.svc = NewService("test-secret", f.kv, 30*time.Minute, 60*time.Second, "messattend").WithClock(f.clock)
	return f
}

func TestValidate_Succeeds(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, expiresAt, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)
	assert.Equal(t, f.clock().Add(30*time.Minute), expiresAt)

	claims, err := f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	require.NoError(t, err)
	assert.Equal(t, user, claims.Subject)
	assert.Equal(t, model.MealDinner, claims.Meal)
}

func TestValidate_SecondUseRejected(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	// A replay five seconds later is AlreadyUsed, not a cooldown rejection:
	// the user's intent was already satisfied.
	f.advance(5 * time.Second)
	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrAlreadyUsed)
}

func TestValidate_ConcurrentUse_OneWinner(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else {
			// Losers see AlreadyUsed or, if they hit the freshly armed
			// cooldown, RapidRescan. Never a generic failure.
			assert.Contains(t, []string{model.ErrAlreadyUsed.Code, model.ErrRapidRescan.Code},
				code(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func code(err error) string {
	var me *model.Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

func TestValidate_Expired(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrExpired)
}

func TestValidate_BadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	other := NewService("other-secret", f.kv, 30*time.Minute, time.Minute, "messattend").WithClock(f.clock)
	token, _, err := other.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrBadSignature)
}

func TestValidate_Malformed(t *testing.T) {
	t.Parallel()
	f := newFixture()

	_, err := f.svc.Validate(context.Background(), "not-a-token", user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestValidate_SubjectMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, token, "someone-else", mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrSubjectMismatch)

	_, err = f.svc.Validate(ctx, token, user, mess, model.MealLunch, day)
	assert.ErrorIs(t, err, model.ErrSubjectMismatch)
}

func TestValidate_NeverIssued(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	// Token signed correctly but its single-use entry was never recorded
	// (e.g. garbage-collected after expiry of a previous slot).
	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)
	require.NoError(t, f.kv.Del(ctx, "qr:u1:mess-1:dinner:2025-03-10"))

	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrTokenNotFound)
}

func TestValidate_SupersededByReissue(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	first, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)
	_, _, err = f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, first, user, mess, model.MealDinner, day)
	assert.ErrorIs(t, err, model.ErrTokenNotFound)
}

func TestValidate_CooldownAcrossTokens(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	token, _, err := f.svc.Issue(ctx, user, mess, model.MealDinner, day)
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, token, user, mess, model.MealDinner, day)
	require.NoError(t, err)

	// A fresh token for a different meal five seconds later still hits the
	// per-user cooldown.
	f.advance(5 * time.Second)
	second, _, err := f.svc.Issue(ctx, user, mess, model.MealLunch, day)
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, second, user, mess, model.MealLunch, day)
	assert.ErrorIs(t, err, model.ErrRapidRescan)

	// After the cooldown the token works.
	f.advance(time.Minute)
	_, err = f.svc.Validate(ctx, second, user, mess, model.MealLunch, day)
	assert.NoError(t, err)
}
