package transform

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/memory"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

type countingRepo struct {
	core.TransformationRepository
	gets atomic.Int32
}

func (r *countingRepo) GetActiveByName(ctx context.Context, name string) (*model.CustomTransformation, error) {
	r.gets.Add(1)
	return r.TransformationRepository.GetActiveByName(ctx, name)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key], c.ttls[key] = value, ttl
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok, nil
}

func (c *mapCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *mapCache) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ok, _ := c.Exists(ctx, key); ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *mapCache) Health(context.Context) error { return nil }

func newRegistry(t *testing.T, cache core.CacheRepository) (*Registry, *countingRepo) {
	t.Helper()
	repo := &countingRepo{TransformationRepository: memory.NewTransformationStore(nil)}
	reg, err := NewRegistry(RegistryOptions{Repo: repo, Cache: cache, TTL: time.Minute})
	require.NoError(t, err)
	return reg, repo
}

func TestRegistry_RegisterRejectsUncompilable(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	_, err := reg.Register(context.Background(), &model.CustomTransformation{Name: "bad", Code: "value[", IsActive: true})
	assert.True(t, apperrors.IsValidation(err))

	list, err := reg.List(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegistry_ResolveCachesTiers(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	reg, repo := newRegistry(t, cache)

	_, err := reg.Register(ctx, &model.CustomTransformation{Name: "shout", Code: "join('', [value, '!'])", IsActive: true})
	require.NoError(t, err)

	prog, err := reg.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.Equal(t, "shout", prog.Name)
	assert.EqualValues(t, 1, repo.gets.Load())
	assert.Contains(t, cache.data, "etl:transform:shout")
	assert.Equal(t, time.Minute, cache.ttls["etl:transform:shout"])

	_, err = reg.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.EqualValues(t, 1, repo.gets.Load(), "compiled program served in process")

	reg.local.drop("shout")
	_, err = reg.Resolve(ctx, "shout")
	require.NoError(t, err)
	assert.EqualValues(t, 1, repo.gets.Load(), "raw definition served from redis")
}

func TestRegistry_RegisterInvalidates(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	reg, _ := newRegistry(t, cache)
	sb := NewSandbox(time.Second)

	_, err := reg.Register(ctx, &model.CustomTransformation{Name: "tag", Code: "'v1'", IsActive: true})
	require.NoError(t, err)
	prog, err := reg.Resolve(ctx, "tag")
	require.NoError(t, err)
	out, err := sb.Eval(ctx, prog, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	_, err = reg.Register(ctx, &model.CustomTransformation{Name: "tag", Code: "'v2'", IsActive: true})
	require.NoError(t, err)
	assert.NotContains(t, cache.data, "etl:transform:tag")

	prog, err = reg.Resolve(ctx, "tag")
	require.NoError(t, err)
	out, err = sb.Eval(ctx, prog, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestRegistry_ResolveMissing(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	_, err := reg.Resolve(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	ctx := context.Background()
	reg, repo := newRegistry(t, nil)
	_, err := reg.Register(ctx, &model.CustomTransformation{Name: "ident", Code: "value", IsActive: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Resolve(ctx, "ident")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, repo.gets.Load(), int32(32))
	assert.Equal(t, 1, reg.local.len())
}

func TestProgramCache_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newProgramCache(2, time.Minute, func() time.Time { return now })
	c.put(&Program{Name: "a"})
	c.put(&Program{Name: "b"})
	c.put(&Program{Name: "c"})
	_, ok := c.get("a")
	assert.False(t, ok, "least recently used entry evicted")

	now = now.Add(2 * time.Minute)
	_, ok = c.get("b")
	assert.False(t, ok, "expired")
}
