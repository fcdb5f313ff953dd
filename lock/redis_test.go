package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/generic"
)

type evalCall struct {
	script string
	keys   []string
	args   []any
}

type mockCmdable struct {
	mu     sync.Mutex
	data   map[string]string
	evals  []evalCall
	setErr error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: make(map[string]string)}
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return redis.NewBoolResult(false, m.setErr)
	}
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

// Eval runs the release script as one step under the mutex, the way Redis
// runs a script without interleaving other commands.
func (m *mockCmdable) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, evalCall{script: script, keys: keys, args: args})
	if script != releaseScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	if v, ok := m.data[keys[0]]; ok && v == fmt.Sprint(args[0]) {
		delete(m.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func testRedisConfig() config.RedisConfig {
	return config.RedisConfig{
		LockTTL:  time.Second,
		LockWait: 30 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
	}
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	mock := newMockCmdable()
	l, err := NewRedis(mock, testRedisConfig())
	require.NoError(t, err)

	unlock, err := l.Lock(context.Background(), "gift-100")
	require.NoError(t, err)
	assert.Contains(t, mock.data, keyPrefix+"gift-100")

	unlock()
	assert.NotContains(t, mock.data, keyPrefix+"gift-100")
}

func TestRedis_HeldKeyTimesOut(t *testing.T) {
	mock := newMockCmdable()
	mock.data[keyPrefix+"gift-100"] = "someone-else"
	l, err := NewRedis(mock, testRedisConfig())
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "gift-100")
	assert.ErrorIs(t, err, generic.ErrLockTimeout)
}

func TestRedis_ReleaseKeepsForeignOwner(t *testing.T) {
	// GIVEN: our lease expired and another replica took the key
	mock := newMockCmdable()
	l, err := NewRedis(mock, testRedisConfig())
	require.NoError(t, err)
	unlock, err := l.Lock(context.Background(), "gift-100")
	require.NoError(t, err)
	mock.data[keyPrefix+"gift-100"] = "other-owner"

	// WHEN: we release late
	unlock()

	// THEN: their lock survives
	assert.Equal(t, "other-owner", mock.data[keyPrefix+"gift-100"])
}

func TestRedis_ReleaseIsOneCompareAndDelete(t *testing.T) {
	mock := newMockCmdable()
	l, err := NewRedis(mock, testRedisConfig())
	require.NoError(t, err)

	unlock, err := l.Lock(context.Background(), "gift-100")
	require.NoError(t, err)
	owner := mock.data[keyPrefix+"gift-100"]

	unlock()

	// THEN: ownership check and delete travel in a single script call
	require.Len(t, mock.evals, 1)
	call := mock.evals[0]
	assert.Equal(t, releaseScript, call.script)
	assert.Equal(t, []string{keyPrefix + "gift-100"}, call.keys)
	assert.Equal(t, []any{owner}, call.args)
	assert.NotContains(t, mock.data, keyPrefix+"gift-100")
}

func TestRedis_ClientErrorIsNotATimeout(t *testing.T) {
	mock := newMockCmdable()
	mock.setErr = errors.New("connection refused")
	l, err := NewRedis(mock, testRedisConfig())
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "gift-100")
	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrLockTimeout)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewRedis_RequiresClient(t *testing.T) {
	_, err := NewRedis(nil, testRedisConfig())
	assert.Error(t, err)
}

func TestNewRedisClient_RequiresTarget(t *testing.T) {
	_, err := NewRedisClient(context.Background(), config.RedisConfig{})
	assert.Error(t, err)
}
