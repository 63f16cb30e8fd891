package nucleus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/memory"
)

func seedCode(t *testing.T, store nucleus.CodeStore, code string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &nucleus.AuthorizationCode{
		Code:                code,
		ClientID:            nucleus.DefaultClientID,
		RedirectURI:         testRedirectURI,
		Scope:               []string{"openid"},
		UserID:              "u1",
		CodeChallenge:       nucleus.S256Challenge(testVerifier),
		CodeChallengeMethod: nucleus.PKCEMethodS256,
		ExpiresAt:           expiresAt,
		CreatedAt:           expiresAt.Add(-5 * time.Minute),
	}))
}

func TestJanitorSweepAndStats(t *testing.T) {
	store := memory.New()
	now := time.Now()
	seedCode(t, store, "stale-1", now.Add(-time.Hour))
	seedCode(t, store, "stale-2", now.Add(-time.Second))
	seedCode(t, store, "live", now.Add(time.Hour))

	j := nucleus.NewJanitor(store, 0, nil, nil)
	ctx := context.Background()

	active, err := j.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.FindUnused(ctx, "live")
	assert.NoError(t, err)
	_, err = store.FindUnused(ctx, "stale-1")
	assert.ErrorIs(t, err, nucleus.ErrCodeNotFound)

	n, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorSweepError(t *testing.T) {
	codes := &mockCodeStore{}
	boom := errors.New("store offline")
	codes.On("Sweep", mock.Anything, mock.Anything).Return(int64(0), boom)

	_, err := nucleus.NewJanitor(codes, 0, nil, nil).Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestJanitorRun(t *testing.T) {
	store := memory.New()
	seedCode(t, store, "stale", time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		nucleus.NewJanitor(store, 10*time.Millisecond, nil, nil).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := store.FindUnused(context.Background(), "stale")
		return errors.Is(err, nucleus.ErrCodeNotFound)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestJanitorRunDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		nucleus.NewJanitor(memory.New(), 0, nil, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with a zero interval must return immediately")
	}
}
