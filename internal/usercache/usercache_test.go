package usercache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confex/internal/confluence"
)

// fakeClient implements only GetUser; other methods are unused here.
type fakeClient struct {
	confluence.Client
	mu    sync.Mutex
	calls int32
	delay time.Duration
	users map[string]*confluence.User
}

func (f *fakeClient) GetUser(ctx context.Context, key string) (*confluence.User, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[key], nil
}

func TestGetCachesLookups(t *testing.T) {
	client := &fakeClient{users: map[string]*confluence.User{
		"jdoe": {Username: "jdoe", DisplayName: "J. Doe"},
	}}
	cache, err := New(client, Config{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		user, err := cache.Get(context.Background(), "jdoe")
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, "J. Doe", user.DisplayName)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls))
}

func TestGetCachesMisses(t *testing.T) {
	client := &fakeClient{users: map[string]*confluence.User{}}
	cache, err := New(client, Config{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		user, err := cache.Get(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, user)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls))
}

func TestConcurrentLookupsAreCoalesced(t *testing.T) {
	client := &fakeClient{
		delay: 20 * time.Millisecond,
		users: map[string]*confluence.User{"jdoe": {Username: "jdoe"}},
	}
	cache, err := New(client, Config{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Get(context.Background(), "jdoe")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls),
		"stampede should collapse to one API call")
}

func TestTTLExpiry(t *testing.T) {
	client := &fakeClient{users: map[string]*confluence.User{"jdoe": {Username: "jdoe"}}}
	cache, err := New(client, Config{TTL: time.Minute})
	require.NoError(t, err)

	current := time.Now()
	cache.SetClock(func() time.Time { return current })

	_, _ = cache.Get(context.Background(), "jdoe")
	current = current.Add(2 * time.Minute)
	_, _ = cache.Get(context.Background(), "jdoe")

	assert.Equal(t, int32(2), atomic.LoadInt32(&client.calls))
}
