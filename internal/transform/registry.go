package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

// cacheKeyPrefix is the Redis key prefix for raw definitions.
const cacheKeyPrefix = "etl:transform:"

func cacheKey(name string) string { return cacheKeyPrefix + name }

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Repo core.TransformationRepository
	// Cache holds raw definitions shared across processes. Optional.
	Cache core.CacheRepository
	// TTL applies to both the Redis entry and the compiled program. Zero keeps
	// compiled programs until they are evicted or re-registered.
	TTL      time.Duration
	Capacity int
	Now      func() time.Time
	Logger   *slog.Logger
}

// Registry resolves custom transformations by name: compiled programs in
// process, raw definitions in Redis, then the repository.
type Registry struct {
	repo   core.TransformationRepository
	cache  core.CacheRepository
	ttl    time.Duration
	local  *programCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Repo == nil {
		return nil, errors.New("transform registry requires a transformation repository")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:   opts.Repo,
		cache:  opts.Cache,
		ttl:    opts.TTL,
		local:  newProgramCache(opts.Capacity, opts.TTL, opts.Now),
		logger: logger.With("component", "transform_registry"),
	}, nil
}

// Register compiles def and persists it. Definitions that do not compile are
// rejected with a validation error and never stored.
func (r *Registry) Register(ctx context.Context, def *model.CustomTransformation) (*model.CustomTransformation, error) {
	if _, err := Compile(def); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid custom transformation")
	}
	saved, err := r.repo.Upsert(ctx, def)
	if err != nil {
		return nil, err
	}
	r.Invalidate(ctx, saved.Name)
	r.logger.InfoContext(ctx, "custom transformation registered",
		"name", saved.Name,
		"active", saved.IsActive,
	)
	return saved, nil
}

// Invalidate forgets name in both cache tiers.
func (r *Registry) Invalidate(ctx context.Context, name string) {
	r.local.drop(name)
	if r.cache == nil {
		return
	}
	if _, err := r.cache.Delete(ctx, cacheKey(name)); err != nil {
		r.logger.WarnContext(ctx, "transform cache delete failed", "name", name, "error", err)
	}
}

// List returns registered definitions.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]*model.CustomTransformation, error) {
	return r.repo.List(ctx, activeOnly)
}

// Resolve returns the compiled active program called name. Concurrent misses
// for the same name share one lookup.
func (r *Registry) Resolve(ctx context.Context, name string) (*Program, error) {
	if prog, ok := r.local.get(name); ok {
		return prog, nil
	}
	v, err, _ := r.group.Do(name, func() (any, error) {
		if prog, ok := r.local.get(name); ok {
			return prog, nil
		}
		def, err := r.load(ctx, name)
		if err != nil {
			return nil, err
		}
		prog, err := Compile(def)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored custom transformation does not compile")
		}
		r.local.put(prog)
		return prog, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Program), nil
}

func (r *Registry) load(ctx context.Context, name string) (*model.CustomTransformation, error) {
	if def := r.fromCache(ctx, name); def != nil {
		return def, nil
	}
	def, err := r.repo.GetActiveByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve custom transformation %s: %w", name, err)
	}
	r.toCache(ctx, def)
	return def, nil
}

func (r *Registry) fromCache(ctx context.Context, name string) *model.CustomTransformation {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheKey(name))
	if err != nil {
		r.logger.WarnContext(ctx, "transform cache read failed", "name", name, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var def model.CustomTransformation
	if err := json.Unmarshal(raw, &def); err != nil || !def.IsActive {
		return nil
	}
	return &def
}

func (r *Registry) toCache(ctx context.Context, def *model.CustomTransformation) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(def.Name), raw, r.ttl); err != nil {
		r.logger.WarnContext(ctx, "transform cache write failed", "name", def.Name, "error", err)
	}
}
