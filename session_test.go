package nucleus

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSigner(t *testing.T) {
	_, err := NewSessionSigner(nil)
	require.Error(t, err)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	signer, err := NewSessionSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	signer = signer.WithClock(func() time.Time { return now })

	token, err := signer.Create("user-1")
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		sub, err := signer.Verify(token, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "user-1", sub)
	})

	t.Run("at max age", func(t *testing.T) {
		later := signer.WithClock(func() time.Time { return now.Add(time.Hour) })
		_, err := later.Verify(token, time.Hour)
		assert.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		later := signer.WithClock(func() time.Time { return now.Add(time.Hour + time.Second) })
		_, err := later.Verify(token, time.Hour)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("tampered", func(t *testing.T) {
		b := []byte(token)
		i := len(b) / 2
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		_, err := signer.Verify(SessionToken(b), time.Hour)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSessionTampered) || errors.Is(err, ErrSessionMalformed), "%v", err)
	})

	t.Run("other key", func(t *testing.T) {
		other, err := NewSessionSigner([]byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		_, err = other.Verify(token, time.Hour)
		assert.ErrorIs(t, err, ErrSessionTampered)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, bad := range []SessionToken{
			"",
			"garbage",
			"a|b|c",
			SessionToken(base64.URLEncoding.EncodeToString([]byte("garbage-without-separators"))),
			SessionToken(base64.URLEncoding.EncodeToString([]byte("1700000000|only-two"))),
		} {
			_, err := signer.Verify(bad, time.Hour)
			assert.ErrorIs(t, err, ErrSessionMalformed, string(bad))
		}
	})

	t.Run("forged mac", func(t *testing.T) {
		forged := base64.URLEncoding.EncodeToString([]byte("1700000000|eyJzdWIiOiJ4In0=|not-a-real-mac"))
		_, err := signer.Verify(SessionToken(forged), time.Hour)
		assert.ErrorIs(t, err, ErrSessionTampered)
	})

	t.Run("jwt is not a session", func(t *testing.T) {
		engine := newTestEngine(t, "nucleus-auth-1", func() time.Time { return now })
		jwt, err := engine.Sign(testClaims(now, time.Minute))
		require.NoError(t, err)

		_, err = signer.Verify(SessionToken(jwt), time.Hour)
		assert.Error(t, err)
	})

	t.Run("empty subject", func(t *testing.T) {
		_, err := signer.Create("")
		assert.Error(t, err)
	})
}
