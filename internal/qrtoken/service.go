// Package qrtoken issues and validates the signed, single-use meal tokens
// behind the QR check-in channel. A token is an HS256 JWT binding
// (user, mess, meal, day) plus a random nonce; the single-use state lives in
// the ephemeral store so validation stays safe across concurrent workers.
package qrtoken

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"messattend/internal/model"
	"messattend/internal/store"
)

const usedMarker = "used"

// Claims is the token payload. Subject carries the user id.
type Claims struct {
	MessID string     `json:"mess"`
	Meal   model.Meal `json:"meal"`
	Day    string     `json:"day"`
	Nonce  string     `json:"nonce"`
	jwt.RegisteredClaims
}

// Service signs tokens and tracks their single-use state.
type Service struct {
	signingKey []byte
	ephemeral  store.Ephemeral
	ttl        time.Duration
	cooldown   time.Duration
	issuer     string
	now        func() time.Time
}

// NewService creates a token service.
func NewService(signingKey string, ephemeral store.Ephemeral, ttl, cooldown time.Duration, issuer string) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Service{
		signingKey: []byte(signingKey),
		ephemeral:  ephemeral,
		ttl:        ttl,
		cooldown:   cooldown,
		issuer:     issuer,
		now:        time.Now,
	}
}

// WithClock overrides the clock; tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func useKey(userID, messID string, meal model.Meal, day string) string {
	return fmt.Sprintf("qr:%s:%s:%s:%s", userID, messID, meal, day)
}

func cooldownKey(userID string) string {
	return "cooldown:" + userID
}

// Issue signs a fresh token for the slot and records its single-use entry.
// Re-issuing for the same slot supersedes the previous token.
func (s *Service) Issue(ctx context.Context, userID, messID string, meal model.Meal, day string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	nonce := uuid.NewString()

	claims := Claims{
		MessID: messID,
		Meal:   meal,
		Day:    day,
		Nonce:  nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.ephemeral.Set(ctx, useKey(userID, messID, meal, day), nonce, s.ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("record single-use entry: %w", err)
	}
	return token, expiresAt, nil
}

// Validate checks signature, expiry, and subject binding, then atomically
// consumes the token. Two concurrent calls for the same token cannot both
// succeed: exactly one wins the compare-and-swap, the other gets AlreadyUsed.
// A successful validation also arms a per-user cooldown so rapid repeated
// scans with fresh tokens are rejected.
func (s *Service) Validate(ctx context.Context, token, userID, messID string, meal model.Meal, day string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.now))
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, model.ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, model.ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, model.ErrInvalidRequest
	default:
		return nil, model.ErrBadSignature
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, model.ErrBadSignature
	}
	if claims.Subject != userID || claims.MessID != messID || claims.Meal != meal || claims.Day != day {
		return nil, model.ErrSubjectMismatch
	}

	// Replay of an already-consumed token reports AlreadyUsed before the
	// cooldown is consulted, so retries get the deterministic answer.
	key := useKey(userID, messID, meal, day)
	current, err := s.ephemeral.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	if current == usedMarker {
		return nil, model.ErrAlreadyUsed
	}
	if current != claims.Nonce {
		return nil, model.ErrTokenNotFound
	}

	// The cooldown check and the arming SetNX below are not one atomic step:
	// two concurrent validations of two fresh tokens for the same user can
	// both pass this read and both succeed. The cooldown is anti-abuse, not
	// a correctness invariant; single-use is carried by the CAS alone.
	if _, err := s.ephemeral.Get(ctx, cooldownKey(userID)); err == nil {
		return nil, model.ErrRapidRescan
	} else if !errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("cooldown lookup: %w", err)
	}

	ok, err := s.ephemeral.CompareAndSwap(ctx, key, claims.Nonce, usedMarker)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	if !ok {
		// Lost the swap: either this slot was consumed or the token was
		// superseded by a newer issue.
		current, gerr := s.ephemeral.Get(ctx, key)
		if gerr == nil && current == usedMarker {
			return nil, model.ErrAlreadyUsed
		}
		return nil, model.ErrTokenNotFound
	}

	if _, err := s.ephemeral.SetNX(ctx, cooldownKey(userID), "1", s.cooldown); err != nil {
		// Cooldown is anti-abuse, not correctness; log and continue.
		log.Printf("qrtoken: arming cooldown for %s failed: %v", userID, err)
	}
	return claims, nil
}
