// Package biometric runs the public-key enrollment and verification
// ceremonies. The server issues a short-lived random challenge, the
// authenticator signs it with the user's private key, and the server checks
// the assertion against the stored public key. A monotonically increasing
// signature counter detects cloned authenticators.
package biometric

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"messattend/internal/model"
	"messattend/internal/store"
)

// b64 is the wire encoding for all binary ceremony fields.
var b64 = base64.RawURLEncoding

const challengeSize = 32

// CredentialStore persists registered credentials. Implementations enforce
// the one-active-credential-per-user and globally-unique-credential-id
// invariants at insert time.
type CredentialStore interface {
	// ActiveByUser returns the user's active credential, or nil.
	ActiveByUser(ctx context.Context, userID string) (*model.Credential, error)
	// ByCredentialID returns the credential regardless of status, or nil.
	ByCredentialID(ctx context.Context, credentialID string) (*model.Credential, error)
	// Insert persists a new credential; returns model.ErrCredentialReused or
	// model.ErrAlreadyEnrolled when a uniqueness invariant would break.
	Insert(ctx context.Context, cred model.Credential) error
	// UpdateSignCount stores a new counter value.
	UpdateSignCount(ctx context.Context, id string, count uint32) error
	// Revoke marks the credential revoked; terminal.
	Revoke(ctx context.Context, id, reason string, at time.Time) error
}

// CreationOptions is returned to the client to drive credential creation.
type CreationOptions struct {
	Challenge               string `json:"challenge"`
	UserID                  string `json:"user_id"`
	Algorithm               string `json:"algorithm"`
	UserVerification        string `json:"user_verification"`
	AuthenticatorAttachment string `json:"authenticator_attachment"`
	ExpiresInSeconds        int    `json:"expires_in_seconds"`
}

// RequestOptions is returned to the client to drive an assertion, restricted
// to the single active credential.
type RequestOptions struct {
	Challenge        string `json:"challenge"`
	CredentialID     string `json:"credential_id"`
	UserVerification string `json:"user_verification"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// EnrollmentResponse is the client's answer to CreationOptions.
type EnrollmentResponse struct {
	Challenge    string `json:"challenge"`
	CredentialID string `json:"credential_id"`
	PublicKey    string `json:"public_key"`
	SignCount    uint32 `json:"sign_count"`
	DeviceName   string `json:"device_name,omitempty"`
	AAGUID       string `json:"aaguid,omitempty"`
}

// AssertionResponse is the client's answer to RequestOptions. Signature is
// ES256 over SHA-256(challenge bytes || big-endian sign count).
type AssertionResponse struct {
	CredentialID string `json:"credential_id"`
	Signature    string `json:"signature"`
	SignCount    uint32 `json:"sign_count"`
}

// verifyChallenge is the stored shape of a pending verification challenge,
// bound to the specific credential it was issued for.
type verifyChallenge struct {
	Challenge    string `json:"challenge"`
	CredentialID string `json:"credential_id"`
}

// Service runs both ceremonies over a credential store and the ephemeral
// challenge store. At most one challenge per (user, ceremony) is live; a new
// one replaces the old, consumption or expiry invalidates it.
type Service struct {
	creds     CredentialStore
	ephemeral store.Ephemeral
	enrollTTL time.Duration
	verifyTTL time.Duration
	now       func() time.Time
}

// NewService creates a ceremony service.
func NewService(creds CredentialStore, ephemeral store.Ephemeral, enrollTTL, verifyTTL time.Duration) *Service {
	if enrollTTL <= 0 {
		enrollTTL = 5 * time.Minute
	}
	if verifyTTL <= 0 {
		verifyTTL = 2 * time.Minute
	}
	return &Service{creds: creds, ephemeral: ephemeral, enrollTTL: enrollTTL, verifyTTL: verifyTTL, now: time.Now}
}

// WithClock overrides the clock; tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func enrollKey(userID string) string { return "challenge:enroll:" + userID }
func verifyKey(userID string) string { return "challenge:verify:" + userID }

func newChallenge() (string, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge entropy: %w", err)
	}
	return b64.EncodeToString(buf), nil
}

// BeginEnrollment issues an enrollment challenge. Fails with AlreadyEnrolled
// while an active credential exists.
func (s *Service) BeginEnrollment(ctx context.Context, userID string) (*CreationOptions, error) {
	existing, err := s.creds.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if existing != nil {
		return nil, model.ErrAlreadyEnrolled
	}
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	if err := s.ephemeral.Set(ctx, enrollKey(userID), challenge, s.enrollTTL); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return &CreationOptions{
		Challenge:               challenge,
		UserID:                  userID,
		Algorithm:               "ES256",
		UserVerification:        "required",
		AuthenticatorAttachment: "platform",
		ExpiresInSeconds:        int(s.enrollTTL.Seconds()),
	}, nil
}

// FinishEnrollment consumes the challenge and persists the new credential.
func (s *Service) FinishEnrollment(ctx context.Context, userID string, resp EnrollmentResponse) (*model.Credential, error) {
	challenge, err := s.ephemeral.GetDel(ctx, enrollKey(userID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, model.ErrChallengeExpired
	}
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if resp.Challenge != challenge {
		return nil, model.ErrChallengeExpired
	}
	if resp.CredentialID == "" || resp.PublicKey == "" {
		return nil, model.ErrInvalidRequest
	}

	// The public key must decode to a P-256 key before anything is trusted.
	if _, err := parsePublicKey(resp.PublicKey); err != nil {
		return nil, model.ErrInvalidRequest
	}

	taken, err := s.creds.ByCredentialID(ctx, resp.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if taken != nil {
		return nil, model.ErrCredentialReused
	}
	// Race guard: a parallel enrollment may have landed since the options
	// were issued. The store's uniqueness check is the final word.
	existing, err := s.creds.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if existing != nil {
		return nil, model.ErrAlreadyEnrolled
	}

	keyBytes, _ := b64.DecodeString(resp.PublicKey)
	cred := model.Credential{
		ID:           uuid.NewString(),
		UserID:       userID,
		CredentialID: resp.CredentialID,
		PublicKey:    keyBytes,
		SignCount:    resp.SignCount,
		Status:       model.CredentialActive,
		DeviceName:   resp.DeviceName,
		AAGUID:       resp.AAGUID,
		CreatedAt:    s.now(),
	}
	if err := s.creds.Insert(ctx, cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// CancelEnrollment discards any pending enrollment challenge. Idempotent.
func (s *Service) CancelEnrollment(ctx context.Context, userID string) error {
	return s.ephemeral.Del(ctx, enrollKey(userID))
}

// BeginVerification issues a verification challenge bound to the user's
// active credential. Fails with NotEnrolled when there is none.
func (s *Service) BeginVerification(ctx context.Context, userID string) (*RequestOptions, error) {
	cred, err := s.creds.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if cred == nil {
		return nil, model.ErrNotEnrolled
	}
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	bound, err := json.Marshal(verifyChallenge{Challenge: challenge, CredentialID: cred.CredentialID})
	if err != nil {
		return nil, fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.ephemeral.Set(ctx, verifyKey(userID), string(bound), s.verifyTTL); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return &RequestOptions{
		Challenge:        challenge,
		CredentialID:     cred.CredentialID,
		UserVerification: "required",
		ExpiresInSeconds: int(s.verifyTTL.Seconds()),
	}, nil
}

// VerifyAssertion consumes the pending challenge and checks the assertion.
// The returned flag reports a suspected cloned authenticator: the presented
// counter did not advance past a nonzero stored counter. Per current policy
// that is flagged and the counter update skipped, but verification proceeds.
func (s *Service) VerifyAssertion(ctx context.Context, userID string, resp AssertionResponse) (*model.Credential, bool, error) {
	raw, err := s.ephemeral.GetDel(ctx, verifyKey(userID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, false, model.ErrChallengeExpired
	}
	if err != nil {
		return nil, false, fmt.Errorf("consume challenge: %w", err)
	}
	var bound verifyChallenge
	if err := json.Unmarshal([]byte(raw), &bound); err != nil {
		return nil, false, fmt.Errorf("decode challenge: %w", err)
	}

	cred, err := s.creds.ByCredentialID(ctx, resp.CredentialID)
	if err != nil {
		return nil, false, fmt.Errorf("credential lookup: %w", err)
	}
	if cred == nil || cred.Status != model.CredentialActive {
		return nil, false, model.ErrCredentialRevoked
	}
	if cred.CredentialID != bound.CredentialID || cred.UserID != userID {
		return nil, false, model.ErrCredentialMismatch
	}

	pub, err := x509.ParsePKIXPublicKey(cred.PublicKey)
	if err != nil {
		return nil, false, fmt.Errorf("stored public key: %w", err)
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, false, fmt.Errorf("stored public key: not an EC key")
	}

	challengeBytes, err := b64.DecodeString(bound.Challenge)
	if err != nil {
		return nil, false, fmt.Errorf("decode challenge: %w", err)
	}
	sig, err := b64.DecodeString(resp.Signature)
	if err != nil {
		return nil, false, model.ErrInvalidRequest
	}
	digest := assertionDigest(challengeBytes, resp.SignCount)
	if !ecdsa.VerifyASN1(ecKey, digest[:], sig) {
		return nil, false, model.ErrBadSignature
	}

	cloneSuspected := resp.SignCount <= cred.SignCount && cred.SignCount != 0
	if cloneSuspected {
		log.Printf("biometric: counter regression for credential %s (stored %d, presented %d), possible clone",
			cred.CredentialID, cred.SignCount, resp.SignCount)
	} else {
		if err := s.creds.UpdateSignCount(ctx, cred.ID, resp.SignCount); err != nil {
			return nil, false, fmt.Errorf("update sign count: %w", err)
		}
		cred.SignCount = resp.SignCount
	}
	return cred, cloneSuspected, nil
}

// Revoke marks the user's active credential revoked. Terminal: a new
// enrollment creates a fresh credential.
func (s *Service) Revoke(ctx context.Context, userID, reason string) error {
	cred, err := s.creds.ActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	if cred == nil {
		return model.ErrNotEnrolled
	}
	return s.creds.Revoke(ctx, cred.ID, reason, s.now())
}

// assertionDigest is what the authenticator signs.
func assertionDigest(challenge []byte, signCount uint32) [32]byte {
	payload := make([]byte, 0, len(challenge)+4)
	payload = append(payload, challenge...)
	payload = binary.BigEndian.AppendUint32(payload, signCount)
	return sha256.Sum256(payload)
}

func parsePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an EC public key")
	}
	return ecKey, nil
}
