package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/internal/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestCreateSetsRetentionTTL(t *testing.T) {
	s, mr := newTestStore(t)
	now := time.Now().UTC()
	mr.SetTime(now)

	code := storetest.NewCode(t, now, 5*time.Minute)
	require.NoError(t, s.Create(context.Background(), code))

	key := "test:code:" + code.Code
	assert.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.InDelta(t, (5*time.Minute + codeRetention).Seconds(), ttl.Seconds(), 2)

	mr.FastForward(5*time.Minute + codeRetention + time.Second)
	_, err := s.FindUnused(context.Background(), code.Code)
	assert.ErrorIs(t, err, nucleus.ErrCodeNotFound)
}

func TestOpenRequiresAddress(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultKeyPrefix, s.keyPrefix)
	assert.NoError(t, s.Ping(context.Background()))
}
