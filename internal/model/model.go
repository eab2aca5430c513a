package model

import (
	"time"
)

// Meal identifies one of the daily meal services.
type Meal string

const (
	MealBreakfast Meal = "breakfast"
	MealLunch     Meal = "lunch"
	MealDinner    Meal = "dinner"
	MealNone      Meal = "none"
)

// Valid reports whether m names an actual meal service.
func (m Meal) Valid() bool {
	return m == MealBreakfast || m == MealLunch || m == MealDinner
}

// Channel is the proof mechanism used for a check-in.
type Channel string

const (
	ChannelQR        Channel = "qr"
	ChannelBiometric Channel = "biometric"
	ChannelManual    Channel = "manual"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Window is a daily meal service window, inclusive of start, exclusive of end.
type Window struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// User is the slice of the external user record this service reads.
type User struct {
	ID     string `json:"id"`
	MessID string `json:"mess_id"`
	Active bool   `json:"active"`
}

// Mess holds the location and policy attributes of a dining hall.
type Mess struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Location             Point           `json:"location"`
	RadiusM              int             `json:"radius_m"`
	ConfirmationRequired bool            `json:"confirmation_required"`
	Windows              map[Meal]Window `json:"-"`
}

// Subscription is the slice of the external subscription record this
// service reads. Lifecycle is owned elsewhere; read-only here.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MessID    string    `json:"mess_id"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Paid      bool      `json:"paid"`
	Breakfast bool      `json:"breakfast"`
	Lunch     bool      `json:"lunch"`
	Dinner    bool      `json:"dinner"`
	CreatedAt time.Time `json:"created_at"`
}

// Includes reports whether the subscription covers the given meal.
func (s Subscription) Includes(meal Meal) bool {
	switch meal {
	case MealBreakfast:
		return s.Breakfast
	case MealLunch:
		return s.Lunch
	case MealDinner:
		return s.Dinner
	}
	return false
}

// Covers reports whether day (YYYY-MM-DD) falls inside the validity window.
func (s Subscription) Covers(day string) bool {
	return s.StartDate <= day && day <= s.EndDate
}

// Confirmation states for a pre-committed meal.
const (
	ConfirmationNoResponse = "no_response"
	ConfirmationConfirmed  = "confirmed"
	ConfirmationCancelled  = "cancelled"
	ConfirmationAttended   = "attended"
)

// MealConfirmation is a user's advance answer for one meal slot.
type MealConfirmation struct {
	UserID    string    `json:"user_id"`
	MessID    string    `json:"mess_id"`
	Day       string    `json:"day"`
	Meal      Meal      `json:"meal"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential states.
const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

// Credential is a registered public-key authenticator for one user.
type Credential struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	CredentialID string     `json:"credential_id"`
	PublicKey    []byte     `json:"-"`
	SignCount    uint32     `json:"sign_count"`
	Status       string     `json:"status"`
	DeviceName   string     `json:"device_name,omitempty"`
	AAGUID       string     `json:"aaguid,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// AttendanceRecord is one committed check-in. Records are append-only; at
// most one record with IsValid=true may exist per (user, mess, day, meal).
type AttendanceRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	MessID         string    `json:"mess_id"`
	SubscriptionID string    `json:"subscription_id"`
	Day            string    `json:"day"`
	Meal           Meal      `json:"meal"`
	Channel        Channel   `json:"channel"`
	Location       *Point    `json:"location,omitempty"`
	DistanceM      *int      `json:"distance_m,omitempty"`
	IsValid        bool      `json:"is_valid"`
	CheckedInAt    time.Time `json:"checked_in_at"`
	Note           string    `json:"note,omitempty"`
}

// FraudAlert is a flagged event queued for admin review.
type FraudAlert struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Fraud alert kinds.
const (
	AlertCloneSuspected = "clone_suspected"
	AlertRapidRescan    = "rapid_rescan"
)

// DayOf formats t as the ledger day key.
func DayOf(t time.Time) string {
	return t.Format("2006-01-02")
}
