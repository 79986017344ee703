package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/services/storage"
)

type translation struct {
	Text string `json:"text"`
}

func newTestCache(t *testing.T, maxSize int) (*ResultCache, *storage.MemoryCacheStore, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	durable := storage.NewMemoryCacheStore(time.Minute)
	c := NewResultCache(config.CacheConfig{
		Enabled:   true,
		MemoryTTL: 5 * time.Minute,
		MaxSize:   maxSize,
	}, durable, nil, logger)
	now := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time { return now }
	return c, durable, &now
}

func counting(calls *int32, text string) func(context.Context) (translation, error) {
	return func(context.Context) (translation, error) {
		atomic.AddInt32(calls, 1)
		return translation{Text: text}, nil
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("translate", map[string]string{"text": "hello", "target": "es"})
	b := Key("translate", map[string]string{"target": "es", "text": "hello"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Key("formality", map[string]string{"text": "hello", "target": "es"}))
	assert.NotEqual(t, a, Key("translate", map[string]string{"text": "hello", "target": "fr"}))
}

func TestKeyKeepsFieldsApart(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]string
	}{
		{"separator in value", map[string]string{"a": "b=c"}, map[string]string{"a=b": "c"}},
		{"value spills into next field", map[string]string{"a": "x\x1fb=y"}, map[string]string{"a": "x", "b": "y"}},
		{"empty field", map[string]string{"a": ""}, map[string]string{}},
		{"operation prefix", map[string]string{"x": "1"}, map[string]string{"": "x=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, Key("translate", tt.a), Key("translate", tt.b))
		})
	}
	assert.NotEqual(t, Key("a\x1fb", nil), Key("a", map[string]string{"b": ""}))
}

func TestFetchServesRepeatFromCache(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, 10)
	key := Key("translate", map[string]string{"text": "Hello", "target": "es"})

	var calls int32
	first, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
	require.NoError(t, err)
	second, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
	require.NoError(t, err)

	assert.Equal(t, "Hola", first.Value.Text)
	assert.False(t, first.Cached)
	assert.Equal(t, first.Value, second.Value)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), calls)
}

func TestFetchRecomputesOnceAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c, _, now := newTestCache(t, 10)
	key := Key("smart_replies", map[string]string{"context": "hi"})

	var calls int32
	_, err := Fetch(ctx, c, "smart_replies", key, counting(&calls, "v1"))
	require.NoError(t, err)

	*now = now.Add(9 * time.Minute)
	res, err := Fetch(ctx, c, "smart_replies", key, counting(&calls, "v2"))
	require.NoError(t, err)
	assert.True(t, res.Cached, "memory entry expired but the durable one is still fresh")
	assert.Equal(t, "v1", res.Value.Text)

	*now = now.Add(time.Minute)
	res, err = Fetch(ctx, c, "smart_replies", key, counting(&calls, "v2"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "v2", res.Value.Text)

	res, err = Fetch(ctx, c, "smart_replies", key, counting(&calls, "v3"))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "v2", res.Value.Text)
	assert.Equal(t, int32(2), calls)
}

func TestFetchFallsBackToDurableTier(t *testing.T) {
	ctx := context.Background()
	c, durable, _ := newTestCache(t, 10)
	key := Key("translate", map[string]string{"text": "Hello", "target": "es"})

	var calls int32
	_, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
	require.NoError(t, err)

	fresh := NewResultCache(c.cfg, durable, nil, c.logger)
	fresh.now = c.now
	res, err := Fetch(ctx, fresh, "translate", key, counting(&calls, "other"))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "Hola", res.Value.Text)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 1, fresh.Len(), "durable hits are promoted to memory")
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, 10)
	key := Key("translate", map[string]string{"text": "Hello", "target": "es"})

	release := make(chan struct{})
	var calls int32
	compute := func(context.Context) (translation, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return translation{Text: "Hola"}, nil
	}

	const callers = 20
	var (
		wg       sync.WaitGroup
		uncached int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := Fetch(ctx, c, "translate", key, compute)
			assert.NoError(t, err)
			assert.Equal(t, "Hola", res.Value.Text)
			if !res.Cached {
				atomic.AddInt32(&uncached, 1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, int32(1), uncached)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, 10)
	key := Key("translate", map[string]string{"text": "x"})
	boom := errors.New("boom")

	_, err := Fetch(ctx, c, "translate", key, func(context.Context) (translation, error) {
		return translation{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	var calls int32
	res, err := Fetch(ctx, c, "translate", key, counting(&calls, "ok"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(1), calls)
}

func TestMemoryTierEvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	c, _, now := newTestCache(t, 2)

	var calls int32
	keys := []string{
		Key("translate", map[string]string{"text": "a"}),
		Key("translate", map[string]string{"text": "b"}),
		Key("translate", map[string]string{"text": "c"}),
	}
	for _, key := range keys {
		_, err := Fetch(ctx, c, "translate", key, counting(&calls, key))
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}
	assert.Equal(t, 2, c.Len())

	c.mu.Lock()
	_, oldest := c.memory.Get(keys[0])
	_, newest := c.memory.Get(keys[2])
	c.mu.Unlock()
	assert.False(t, oldest)
	assert.True(t, newest)

	res, err := Fetch(ctx, c, "translate", keys[0], counting(&calls, "again"))
	require.NoError(t, err)
	assert.True(t, res.Cached, "evicted entries are still served by the durable tier")
	assert.Equal(t, int32(3), calls)
}

func TestClearDropsBothTiers(t *testing.T) {
	ctx := context.Background()
	c, durable, _ := newTestCache(t, 10)
	key := Key("translate", map[string]string{"text": "Hello"})

	var calls int32
	_, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	assert.Equal(t, 0, c.Len())
	rec, err := durable.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), calls)
}

func TestDisabledCachePassesThrough(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, 10)
	c.enabled = false
	key := Key("translate", map[string]string{"text": "Hello"})

	var calls int32
	for i := 0; i < 2; i++ {
		res, err := Fetch(ctx, c, "translate", key, counting(&calls, "Hola"))
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, int32(2), calls)
}
