// Package verify composes the check-in pipeline: resolve the meal window,
// gate entitlement, prove the channel (QR token or biometric assertion),
// check the geofence, and commit the ledger entry. Every stage failure
// short-circuits with a typed error and nothing is partially applied; the
// only side effects happen inside the ledger commit.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"messattend/internal/biometric"
	"messattend/internal/entitlement"
	"messattend/internal/geofence"
	"messattend/internal/ledger"
	"messattend/internal/mealwindow"
	"messattend/internal/metrics"
	"messattend/internal/model"
	"messattend/internal/qrtoken"
	"messattend/internal/queue"
)

// UserSource resolves users; nil result means unknown.
type UserSource interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// MessSource resolves messes; nil result means unknown.
type MessSource interface {
	GetMess(ctx context.Context, id string) (*model.Mess, error)
}

// Service is the verification orchestrator. It holds no state of its own.
type Service struct {
	users  UserSource
	messes MessSource
	gate   *entitlement.Gate
	qr     *qrtoken.Service
	bio    *biometric.Service
	book   ledger.Ledger
	alerts queue.Queue
	now    func() time.Time
}

// NewService wires the orchestrator. alerts may be nil (alerting disabled).
func NewService(users UserSource, messes MessSource, gate *entitlement.Gate,
	qr *qrtoken.Service, bio *biometric.Service, book ledger.Ledger, alerts queue.Queue) *Service {
	return &Service{
		users: users, messes: messes, gate: gate,
		qr: qr, bio: bio, book: book, alerts: alerts,
		now: time.Now,
	}
}

// WithClock overrides the clock; tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// subject loads and validates the (user, mess) pair every operation needs.
func (s *Service) subject(ctx context.Context, userID string) (*model.User, *model.Mess, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("user lookup: %w", err)
	}
	if user == nil || !user.Active {
		return nil, nil, model.ErrInvalidRequest
	}
	mess, err := s.messes.GetMess(ctx, user.MessID)
	if err != nil {
		return nil, nil, fmt.Errorf("mess lookup: %w", err)
	}
	if mess == nil {
		return nil, nil, model.ErrInvalidRequest
	}
	return user, mess, nil
}

// IssueQRToken signs a fresh single-use token. Meal and day default to the
// current window and today when left empty; messID, when given, must match
// the user's affiliation.
func (s *Service) IssueQRToken(ctx context.Context, userID, messID string, meal model.Meal, day string) (string, time.Time, error) {
	_, mess, err := s.subject(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	if messID != "" && messID != mess.ID {
		return "", time.Time{}, model.ErrInvalidRequest
	}
	if meal == "" {
		meal = mealwindow.Resolve(s.now(), mess.Windows)
	}
	if !meal.Valid() {
		return "", time.Time{}, model.ErrNoMealService
	}
	if day == "" {
		day = model.DayOf(s.now())
	}
	token, expiresAt, err := s.qr.Issue(ctx, userID, mess.ID, meal, day)
	if err != nil {
		return "", time.Time{}, err
	}
	metrics.TokensIssued.Inc()
	return token, expiresAt, nil
}

// CheckInQR validates a presented token and commits attendance.
func (s *Service) CheckInQR(ctx context.Context, token, userID string, loc *model.Point) (rec model.AttendanceRecord, err error) {
	defer func() { observe(model.ChannelQR, err) }()

	_, mess, err := s.subject(ctx, userID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	meal := mealwindow.Resolve(s.now(), mess.Windows)
	if meal == model.MealNone {
		return model.AttendanceRecord{}, model.ErrNoMealService
	}
	day := model.DayOf(s.now())

	sub, flip, err := s.gate.Check(ctx, userID, *mess, day, meal)
	if err != nil {
		return model.AttendanceRecord{}, err
	}

	if _, err = s.qr.Validate(ctx, token, userID, mess.ID, meal, day); err != nil {
		if errors.Is(err, model.ErrRapidRescan) {
			metrics.RapidRescans.Inc()
			s.publishAlert(ctx, model.AlertRapidRescan, userID,
				fmt.Sprintf("rapid rescan for %s on %s", meal, day))
		}
		return model.AttendanceRecord{}, err
	}

	dist, err := s.checkGeofence(mess, loc)
	if err != nil {
		return model.AttendanceRecord{}, err
	}

	return s.book.Commit(ctx, ledger.CommitInput{
		UserID:           userID,
		MessID:           mess.ID,
		SubscriptionID:   sub.ID,
		Day:              day,
		Meal:             meal,
		Channel:          model.ChannelQR,
		Location:         loc,
		DistanceM:        dist,
		FlipConfirmation: flip,
	})
}

// CheckInBiometric verifies an assertion and commits attendance.
func (s *Service) CheckInBiometric(ctx context.Context, userID string, resp biometric.AssertionResponse, loc *model.Point) (rec model.AttendanceRecord, err error) {
	defer func() { observe(model.ChannelBiometric, err) }()

	_, mess, err := s.subject(ctx, userID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	meal := mealwindow.Resolve(s.now(), mess.Windows)
	if meal == model.MealNone {
		return model.AttendanceRecord{}, model.ErrNoMealService
	}
	day := model.DayOf(s.now())

	sub, flip, err := s.gate.Check(ctx, userID, *mess, day, meal)
	if err != nil {
		return model.AttendanceRecord{}, err
	}

	cred, cloneSuspected, err := s.bio.VerifyAssertion(ctx, userID, resp)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if cloneSuspected {
		metrics.CloneFlags.Inc()
		s.publishAlert(ctx, model.AlertCloneSuspected, userID,
			fmt.Sprintf("counter regression on credential %s", cred.CredentialID))
	}

	dist, err := s.checkGeofence(mess, loc)
	if err != nil {
		return model.AttendanceRecord{}, err
	}

	return s.book.Commit(ctx, ledger.CommitInput{
		UserID:           userID,
		MessID:           mess.ID,
		SubscriptionID:   sub.ID,
		Day:              day,
		Meal:             meal,
		Channel:          model.ChannelBiometric,
		Location:         loc,
		DistanceM:        dist,
		FlipConfirmation: flip,
	})
}

// BeginEnrollment starts the enrollment ceremony for a known user.
func (s *Service) BeginEnrollment(ctx context.Context, userID string) (*biometric.CreationOptions, error) {
	if _, _, err := s.subject(ctx, userID); err != nil {
		return nil, err
	}
	return s.bio.BeginEnrollment(ctx, userID)
}

// FinishEnrollment completes the enrollment ceremony.
func (s *Service) FinishEnrollment(ctx context.Context, userID string, resp biometric.EnrollmentResponse) (*model.Credential, error) {
	if _, _, err := s.subject(ctx, userID); err != nil {
		return nil, err
	}
	return s.bio.FinishEnrollment(ctx, userID, resp)
}

// CancelEnrollment discards a pending enrollment challenge. Idempotent.
func (s *Service) CancelEnrollment(ctx context.Context, userID string) error {
	return s.bio.CancelEnrollment(ctx, userID)
}

// BeginVerification starts the assertion ceremony.
func (s *Service) BeginVerification(ctx context.Context, userID string) (*biometric.RequestOptions, error) {
	if _, _, err := s.subject(ctx, userID); err != nil {
		return nil, err
	}
	return s.bio.BeginVerification(ctx, userID)
}

// RevokeCredential revokes the user's active credential. Terminal.
func (s *Service) RevokeCredential(ctx context.Context, userID, reason string) error {
	return s.bio.Revoke(ctx, userID, reason)
}

// ListAttendance returns committed records.
func (s *Service) ListAttendance(ctx context.Context, f ledger.Filter) ([]model.AttendanceRecord, error) {
	return s.book.List(ctx, f)
}

// checkGeofence applies location policy: messes with a radius require a
// reported position; a position outside the fence rejects the check-in.
func (s *Service) checkGeofence(mess *model.Mess, loc *model.Point) (*int, error) {
	if loc == nil {
		if mess.RadiusM > 0 {
			return nil, model.ErrLocationRequired
		}
		return nil, nil
	}
	res := geofence.Evaluate(*loc, mess.Location, mess.RadiusM)
	if !res.Within {
		return nil, model.ErrOutsideGeofence
	}
	return &res.DistanceM, nil
}

func (s *Service) publishAlert(ctx context.Context, kind, userID, detail string) {
	if s.alerts == nil {
		return
	}
	body, err := json.Marshal(model.FraudAlert{
		Kind:      kind,
		UserID:    userID,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.alerts.Publish(ctx, queue.Message{Type: "fraud", Body: body}); err != nil {
		log.Printf("verify: alert publish failed: %v", err)
	}
}

func observe(channel model.Channel, err error) {
	metrics.CheckinsTotal.WithLabelValues(string(channel), outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me.Code
	}
	return "error"
}
