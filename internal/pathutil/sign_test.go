package pathutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_PermanentRoundTrip(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Unix(1_700_000_000, 0)

	sign := s.Sign("/m/a/b.txt", now)

	require.NoError(t, s.Verify("/m/a/b.txt", sign, now.Unix(), now))

	// Permanent signatures keep verifying long after issuance.
	assert.NoError(t, s.Verify("/m/a/b.txt", sign, now.Unix(), now.Add(365*24*time.Hour)))
}

func TestSigner_TemporaryExpiry(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Unix(1_700_000_000, 0)
	expires := now.Add(10 * time.Minute)

	sign := s.SignTemporary("/m/x", now, expires)

	assert.NoError(t, s.Verify("/m/x", sign, now.Unix(), now))
	assert.NoError(t, s.Verify("/m/x", sign, now.Unix(), expires.Add(-time.Second)))
	assert.ErrorIs(t, s.Verify("/m/x", sign, now.Unix(), expires.Add(time.Second)), ErrSignatureExpired)
}

func TestSigner_RejectsWrongPath(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Now()

	sign := s.Sign("/m/a", now)

	assert.ErrorIs(t, s.Verify("/m/b", sign, now.Unix(), now), ErrBadSignature)
}

func TestSigner_RejectsRotatedSecret(t *testing.T) {
	now := time.Now()
	sign := NewSigner("before").Sign("/m/a", now)

	assert.ErrorIs(t, NewSigner("after").Verify("/m/a", sign, now.Unix(), now), ErrBadSignature)
}

func TestSigner_RejectsFutureTimestamp(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(5 * time.Minute)

	sign := s.Sign("/m/a", future)

	assert.ErrorIs(t, s.Verify("/m/a", sign, future.Unix(), now), ErrFutureTimestamp)

	// Within the 60 s skew window the signature is accepted.
	nearFuture := now.Add(30 * time.Second)
	sign = s.Sign("/m/a", nearFuture)
	assert.NoError(t, s.Verify("/m/a", sign, nearFuture.Unix(), now))
}

func TestSigner_RejectsTamperedTimestamp(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Unix(1_700_000_000, 0)

	sign := s.Sign("/m/a", now)

	// Replaying the signature with a different ts fails the MAC.
	assert.ErrorIs(t, s.Verify("/m/a", sign, now.Unix()+1, now), ErrBadSignature)
}

func TestSigner_MalformedSign(t *testing.T) {
	s := NewSigner("top-secret")
	now := time.Now()

	for _, sign := range []string{"", "nodot", "bad.!!!", "%%%.0"} {
		assert.ErrorIs(t, s.Verify("/m/a", sign, now.Unix(), now), ErrMalformedSign, "sign=%q", sign)
	}
}
