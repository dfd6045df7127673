package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/internal/metrics"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

type memoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func newCache(cfg Config, l2 Store) *ResultCache {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewResultCache(cfg, l2, metrics.NewCollector(prometheus.NewRegistry()), logger)
}

func sampleEntry() Entry {
	return Entry{
		Results: []models.SearchResult{
			{BookID: 2, Score: 1, Source: models.SourceCollaborative},
			{BookID: 3, Score: 0.8, Source: models.SourceCollaborative},
		},
		Path: []string{"Received", "Routing", "Collaborative", "Merging", "Done"},
	}
}

func counting(calls *atomic.Int32, entry Entry, ttl time.Duration) ComputeFunc {
	return func(context.Context) (Entry, time.Duration, error) {
		calls.Add(1)
		return entry, ttl, nil
	}
}

func TestKeyString(t *testing.T) {
	a := Key{Mode: "recommend", Seed: 1, N: 5, Generation: "g1"}
	b := a
	b.Generation = "g2"
	c := a
	c.UserID = 7

	assert.NotEqual(t, a.String(), b.String())
	assert.NotEqual(t, a.String(), c.String())
	assert.Equal(t, a.String(), Key{Mode: "recommend", Seed: 1, N: 5, Generation: "g1"}.String())
}

func TestGetOrCompute_MemoizesWithinTTL(t *testing.T) {
	c := newCache(Config{}, nil)
	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}
	var calls atomic.Int32

	first, hit, err := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
	require.NoError(t, err)
	assert.False(t, hit)

	second, hit, err := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
	require.NoError(t, err)
	assert.True(t, hit)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)

	// Callers get their own copy.
	second.Results[0].Score = 0
	third, _, _ := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
	assert.Equal(t, 1.0, third.Results[0].Score)
}

func TestGetOrCompute_ZeroTTLIsNotStored(t *testing.T) {
	c := newCache(Config{}, nil)
	key := Key{Mode: "recommend", Seed: 1, N: 5, Generation: "g1"}
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), 0))
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompute_Expiry(t *testing.T) {
	c := newCache(Config{}, nil)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}
	var calls atomic.Int32

	_, _, err := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), 5*time.Minute))
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)
	_, hit, _ := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), 5*time.Minute))
	assert.True(t, hit)

	now = now.Add(2 * time.Minute)
	_, hit, _ = c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), 5*time.Minute))
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := newCache(Config{}, nil)
	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), key, func(context.Context) (Entry, time.Duration, error) {
		return Entry{}, time.Minute, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := newCache(Config{}, nil)
	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}

	var calls atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	fn := func(context.Context) (Entry, time.Duration, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return sampleEntry(), time.Minute, nil
	}

	var wg sync.WaitGroup
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		close(unblock)
	}()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := c.GetOrCompute(context.Background(), key, fn)
			assert.NoError(t, err)
			assert.Len(t, got.Results, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_LeaderCancellationDoesNotFailFollower(t *testing.T) {
	c := newCache(Config{}, nil)
	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}

	var calls atomic.Int32
	leaderIn := make(chan struct{})
	fn := func(ctx context.Context) (Entry, time.Duration, error) {
		if calls.Add(1) == 1 {
			close(leaderIn)
			<-ctx.Done()
			return Entry{}, 0, ctx.Err()
		}
		return sampleEntry(), time.Minute, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, key, fn)
		leaderErr <- err
	}()
	<-leaderIn

	followerDone := make(chan error, 1)
	go func() {
		got, _, err := c.GetOrCompute(context.Background(), key, fn)
		if err == nil && len(got.Results) != 2 {
			err = errors.New("unexpected result")
		}
		followerDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	assert.NoError(t, <-followerDone)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(Config{MaxEntries: 2}, nil)
	var calls atomic.Int32
	keys := []Key{
		{Mode: "search", Text: "a", N: 1, Generation: "g1"},
		{Mode: "search", Text: "b", N: 1, Generation: "g1"},
		{Mode: "search", Text: "c", N: 1, Generation: "g1"},
	}

	_, _, _ = c.GetOrCompute(context.Background(), keys[0], counting(&calls, sampleEntry(), time.Minute))
	_, _, _ = c.GetOrCompute(context.Background(), keys[1], counting(&calls, sampleEntry(), time.Minute))
	_, _, _ = c.GetOrCompute(context.Background(), keys[0], counting(&calls, sampleEntry(), time.Minute))
	_, _, _ = c.GetOrCompute(context.Background(), keys[2], counting(&calls, sampleEntry(), time.Minute))

	assert.Equal(t, 2, c.Len())
	_, hit, _ := c.GetOrCompute(context.Background(), keys[0], counting(&calls, sampleEntry(), time.Minute))
	assert.True(t, hit)
	_, hit, _ = c.GetOrCompute(context.Background(), keys[1], counting(&calls, sampleEntry(), time.Minute))
	assert.False(t, hit, "b was least recently used")
}

func TestGetOrCompute_SecondLevel(t *testing.T) {
	l2 := newMemoryStore()
	key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}
	var calls atomic.Int32

	writer := newCache(Config{}, l2)
	_, _, err := writer.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
	require.NoError(t, err)
	require.Contains(t, l2.data, key.String())

	reader := newCache(Config{}, l2)
	got, hit, err := reader.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, sampleEntry(), got)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, reader.Len())
}

func TestGetOrCompute_CorruptedSecondLevelIsRecomputed(t *testing.T) {
	badSource, err := json.Marshal(storedEntry{
		Entry:     Entry{Results: []models.SearchResult{{BookID: 2, Score: 0.5, Source: "telepathy"}}},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"undecodable", []byte("{not json")},
		{"unknown source", badSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l2 := newMemoryStore()
			key := Key{Mode: "search", Text: "dune", N: 5, Generation: "g1"}
			l2.data[key.String()] = tt.payload

			reg := prometheus.NewRegistry()
			c := NewResultCache(Config{}, l2, metrics.NewCollector(reg), nil)
			var calls atomic.Int32

			got, hit, err := c.GetOrCompute(context.Background(), key, counting(&calls, sampleEntry(), time.Minute))
			require.NoError(t, err)
			assert.False(t, hit)
			assert.Equal(t, sampleEntry(), got)
			assert.Equal(t, int32(1), calls.Load())
			assert.Contains(t, l2.deleted, key.String())

			families, err := reg.Gather()
			require.NoError(t, err)
			found := false
			for _, mf := range families {
				if mf.GetName() == "bookrec_cache_corruption_total" {
					found = true
					assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
				}
			}
			assert.True(t, found)
		})
	}
}

func TestPurge(t *testing.T) {
	c := newCache(Config{}, nil)
	var calls atomic.Int32
	_, _, _ = c.GetOrCompute(context.Background(), Key{Mode: "search", Text: "x", N: 1}, counting(&calls, sampleEntry(), time.Minute))
	require.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	store := NewRedisStore(client, "bookrec-test:")
	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
