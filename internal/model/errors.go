package model

import "fmt"

// Error is a typed failure with a stable machine code. Codes are part of the
// wire contract; messages are safe to show to end users.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so wrapped errors still dispatch correctly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidRequest       = &Error{"INVALID_REQUEST", "malformed request"}
	ErrNoMealService        = &Error{"NO_MEAL_SERVICE", "no meal is being served right now"}
	ErrNoActiveSubscription = &Error{"NO_ACTIVE_SUBSCRIPTION", "no active paid subscription for this date"}
	ErrMealNotIncluded      = &Error{"MEAL_NOT_INCLUDED", "this meal is not part of the subscription"}
	ErrConfirmationRequired = &Error{"CONFIRMATION_REQUIRED", "meal was not confirmed in advance"}
	ErrBadSignature         = &Error{"BAD_SIGNATURE", "verification failed, please try again"}
	ErrExpired              = &Error{"EXPIRED", "code expired, please request a new one"}
	ErrSubjectMismatch      = &Error{"SUBJECT_MISMATCH", "verification failed, please try again"}
	ErrTokenNotFound        = &Error{"NOT_FOUND", "verification failed, please try again"}
	ErrAlreadyUsed          = &Error{"ALREADY_USED", "attendance already recorded"}
	ErrRapidRescan          = &Error{"RAPID_RESCAN", "please wait a moment before scanning again"}
	ErrAlreadyEnrolled      = &Error{"ALREADY_ENROLLED", "a biometric credential is already registered"}
	ErrCredentialReused     = &Error{"CREDENTIAL_REUSED", "this authenticator is already registered"}
	ErrNotEnrolled          = &Error{"NOT_ENROLLED", "no biometric credential registered"}
	ErrChallengeExpired     = &Error{"CHALLENGE_EXPIRED", "verification failed, please try again"}
	ErrCredentialMismatch   = &Error{"CREDENTIAL_MISMATCH", "verification failed, please try again"}
	// ErrCredentialRevoked deliberately shares the NOT_FOUND code with
	// ErrTokenNotFound: a revoked credential must be indistinguishable from
	// an unknown one on the wire. errors.Is matches on code, so these two
	// sentinels alias each other; dispatch on the sentinel identity only
	// where the distinction stays server-side (logs, tests).
	ErrCredentialRevoked    = &Error{"NOT_FOUND", "verification failed, please try again"}
	ErrOutsideGeofence      = &Error{"OUTSIDE_GEOFENCE", "you are too far from the mess"}
	ErrLocationRequired     = &Error{"LOCATION_REQUIRED", "location is required for this mess"}
	ErrDuplicateAttendance  = &Error{"DUPLICATE_ATTENDANCE", "attendance already recorded"}
	ErrUnavailable          = &Error{"SERVICE_UNAVAILABLE", "service temporarily unavailable"}
)
