package biometric

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messattend/internal/model"
	"messattend/internal/store"
)

// authenticator plays the client side of both ceremonies.
type authenticator struct {
	key          *ecdsa.PrivateKey
	credentialID string
	signCount    uint32
}

func newAuthenticator(t *testing.T, credentialID string) *authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &authenticator{key: key, credentialID: credentialID}
}

func (a *authenticator) publicKey(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	require.NoError(t, err)
	return b64.EncodeToString(der)
}

// assert signs the challenge with the next counter value.
func (a *authenticator) assert(t *testing.T, challenge string) AssertionResponse {
	t.Helper()
	a.signCount++
	return a.assertWithCount(t, challenge, a.signCount)
}

func (a *authenticator) assertWithCount(t *testing.T, challenge string, count uint32) AssertionResponse {
	t.Helper()
	raw, err := b64.DecodeString(challenge)
	require.NoError(t, err)
	digest := assertionDigest(raw, count)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(t, err)
	return AssertionResponse{CredentialID: a.credentialID, Signature: b64.EncodeToString(sig), SignCount: count}
}

type fixture struct {
	svc   *Service
	creds *MemoryStore
	kv    *store.MemoryEphemeral
	now   time.Time
	mu    sync.Mutex
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
	f := &fixture{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.creds = NewMemoryStore()
	f.kv = store.NewMemoryEphemeral().WithClock(f.clock)
	f.svc = NewService(f.creds, f.kv, 5*time.Minute, 2*time.Minute).WithClock(f.clock)
	return f
}

func (f *fixture) enroll(t *testing.T, userID string, auth *authenticator) *model.Credential {
	t.Helper()
	ctx := context.Background()
	opts, err := f.svc.BeginEnrollment(ctx, userID)
	require.NoError(t, err)
	cred, err := f.svc.FinishEnrollment(ctx, userID, EnrollmentResponse{
		Challenge:    opts.Challenge,
		CredentialID: auth.credentialID,
		PublicKey:    auth.publicKey(t),
		SignCount:    auth.signCount,
		DeviceName:   "test device",
	})
	require.NoError(t, err)
	return cred
}

func TestEnrollment_HappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture()

	opts, err := f.svc.BeginEnrollment(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "ES256", opts.Algorithm)
	assert.Equal(t, "required", opts.UserVerification)
	assert.Equal(t, "platform", opts.AuthenticatorAttachment)
	assert.NotEmpty(t, opts.Challenge)

	auth := newAuthenticator(t, "cred-1")
	cred, err := f.svc.FinishEnrollment(context.Background(), "u1", EnrollmentResponse{
		Challenge:    opts.Challenge,
		CredentialID: auth.credentialID,
		PublicKey:    auth.publicKey(t),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CredentialActive, cred.Status)
	assert.Equal(t, uint32(0), cred.SignCount)
}

func TestEnrollment_PublicKeyStoredAsRawDER(t *testing.T) {
	t.Parallel()
	f := newFixture()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	der, err := b64.DecodeString(auth.publicKey(t))
	require.NoError(t, err)
	// P-256 PKIX DER always carries a NUL (the BIT STRING unused-bits
	// header), so the stored key is binary data, not text.
	assert.Contains(t, der, byte(0))

	stored, err := f.creds.ByCredentialID(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, der, stored.PublicKey)

	key, err := parsePublicKey(b64.EncodeToString(stored.PublicKey))
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestEnrollment_AlreadyEnrolled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.enroll(t, "u1", newAuthenticator(t, "cred-1"))

	_, err := f.svc.BeginEnrollment(context.Background(), "u1")
	assert.ErrorIs(t, err, model.ErrAlreadyEnrolled)
}

func TestEnrollment_AfterRevoke(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	f.enroll(t, "u1", newAuthenticator(t, "cred-1"))

	require.NoError(t, f.svc.Revoke(ctx, "u1", "device lost"))

	// Revocation is terminal for cred-1; a new enrollment succeeds with a
	// fresh credential.
	cred := f.enroll(t, "u1", newAuthenticator(t, "cred-2"))
	assert.Equal(t, "cred-2", cred.CredentialID)

	old, err := f.creds.ByCredentialID(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialRevoked, old.Status)
	assert.Equal(t, "device lost", old.RevokeReason)
	assert.NotNil(t, old.RevokedAt)
}

func TestEnrollment_CredentialReused(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginEnrollment(ctx, "u2")
	require.NoError(t, err)
	_, err = f.svc.FinishEnrollment(ctx, "u2", EnrollmentResponse{
		Challenge:    opts.Challenge,
		CredentialID: "cred-1",
		PublicKey:    newAuthenticator(t, "cred-1").publicKey(t),
	})
	assert.ErrorIs(t, err, model.ErrCredentialReused)
}

func TestEnrollment_ChallengeExpired(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")

	opts, err := f.svc.BeginEnrollment(ctx, "u1")
	require.NoError(t, err)

	f.advance(6 * time.Minute)
	_, err = f.svc.FinishEnrollment(ctx, "u1", EnrollmentResponse{
		Challenge:    opts.Challenge,
		CredentialID: auth.credentialID,
		PublicKey:    auth.publicKey(t),
	})
	assert.ErrorIs(t, err, model.ErrChallengeExpired)
}

func TestEnrollment_ChallengeMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")

	_, err := f.svc.BeginEnrollment(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.FinishEnrollment(ctx, "u1", EnrollmentResponse{
		Challenge:    "bm90LXRoZS1jaGFsbGVuZ2U",
		CredentialID: auth.credentialID,
		PublicKey:    auth.publicKey(t),
	})
	assert.ErrorIs(t, err, model.ErrChallengeExpired)
}

func TestEnrollment_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")

	opts, err := f.svc.BeginEnrollment(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelEnrollment(ctx, "u1"))
	require.NoError(t, f.svc.CancelEnrollment(ctx, "u1"))

	_, err = f.svc.FinishEnrollment(ctx, "u1", EnrollmentResponse{
		Challenge:    opts.Challenge,
		CredentialID: auth.credentialID,
		PublicKey:    auth.publicKey(t),
	})
	assert.ErrorIs(t, err, model.ErrChallengeExpired)
}

func TestVerification_HappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cred-1", opts.CredentialID)

	cred, clone, err := f.svc.VerifyAssertion(ctx, "u1", auth.assert(t, opts.Challenge))
	require.NoError(t, err)
	assert.False(t, clone)
	assert.Equal(t, "u1", cred.UserID)
	assert.Equal(t, uint32(1), cred.SignCount)
}

func TestVerification_NotEnrolled(t *testing.T) {
	t.Parallel()
	f := newFixture()

	_, err := f.svc.BeginVerification(context.Background(), "u1")
	assert.ErrorIs(t, err, model.ErrNotEnrolled)
}

func TestVerification_ChallengeExpired(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)

	f.advance(3 * time.Minute)
	_, _, err = f.svc.VerifyAssertion(ctx, "u1", auth.assert(t, opts.Challenge))
	assert.ErrorIs(t, err, model.ErrChallengeExpired)
}

func TestVerification_ChallengeSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	resp := auth.assert(t, opts.Challenge)

	_, _, err = f.svc.VerifyAssertion(ctx, "u1", resp)
	require.NoError(t, err)

	// The challenge was consumed; replaying the assertion fails.
	_, _, err = f.svc.VerifyAssertion(ctx, "u1", resp)
	assert.ErrorIs(t, err, model.ErrChallengeExpired)
}

func TestVerification_BadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)

	// Signed by a different key for the same credential id.
	impostor := newAuthenticator(t, "cred-1")
	_, _, err = f.svc.VerifyAssertion(ctx, "u1", impostor.assert(t, opts.Challenge))
	assert.ErrorIs(t, err, model.ErrBadSignature)
}

func TestVerification_CredentialMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth1 := newAuthenticator(t, "cred-1")
	auth2 := newAuthenticator(t, "cred-2")
	f.enroll(t, "u1", auth1)
	f.enroll(t, "u2", auth2)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)

	// u1 presents u2's credential against u1's challenge.
	_, _, err = f.svc.VerifyAssertion(ctx, "u1", auth2.assert(t, opts.Challenge))
	assert.ErrorIs(t, err, model.ErrCredentialMismatch)
}

func TestVerification_RevokedCredential(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Revoke(ctx, "u1", "admin action"))

	_, _, err = f.svc.VerifyAssertion(ctx, "u1", auth.assert(t, opts.Challenge))
	assert.ErrorIs(t, err, model.ErrCredentialRevoked)
}

func TestVerification_CounterRegressionFlagged(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	// Advance the stored counter to 5.
	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	_, _, err = f.svc.VerifyAssertion(ctx, "u1", auth.assertWithCount(t, opts.Challenge, 5))
	require.NoError(t, err)

	// A replayed counter is flagged but verification still succeeds, and
	// the stored counter stays put.
	opts, err = f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	cred, clone, err := f.svc.VerifyAssertion(ctx, "u1", auth.assertWithCount(t, opts.Challenge, 3))
	require.NoError(t, err)
	assert.True(t, clone)

	stored, err := f.creds.ByCredentialID(ctx, cred.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)
}

func TestVerification_ZeroStoredCounterNotFlagged(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()
	auth := newAuthenticator(t, "cred-1")
	f.enroll(t, "u1", auth)

	// Authenticators that never increment report 0 forever; with a zero
	// stored counter that is not treated as cloning.
	opts, err := f.svc.BeginVerification(ctx, "u1")
	require.NoError(t, err)
	_, clone, err := f.svc.VerifyAssertion(ctx, "u1", auth.assertWithCount(t, opts.Challenge, 0))
	require.NoError(t, err)
	assert.False(t, clone)
}

func TestRevoke_NotEnrolled(t *testing.T) {
	t.Parallel()
	f := newFixture()

	err := f.svc.Revoke(context.Background(), "u1", "whatever")
	assert.ErrorIs(t, err, model.ErrNotEnrolled)
}
