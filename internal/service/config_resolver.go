package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

// ConfigResolverOptions groups dependencies for ConfigResolver.
type ConfigResolverOptions struct {
	Repo   core.ConfigVersionRepository // Required: config version store
	Logger *slog.Logger                 // Optional: structured logger
}

// ConfigResolver freezes named load configurations into job parameters.
type ConfigResolver struct {
	repo   core.ConfigVersionRepository
	logger *slog.Logger
}

// NewConfigResolver constructs a ConfigResolver.
func NewConfigResolver(opts ConfigResolverOptions) (*ConfigResolver, error) {
	if opts.Repo == nil {
		return nil, errors.New("ConfigVersionRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigResolver{repo: opts.Repo, logger: logger.With("component", "config_resolver")}, nil
}

// Resolve fills p from the active version of p.ConfigName and records the
// version used. Parameters without a config name are returned untouched.
// Values set explicitly on the job take precedence.
func (r *ConfigResolver) Resolve(ctx context.Context, p *model.LoadParameters) error {
	name := strings.TrimSpace(p.ConfigName)
	if name == "" {
		return nil
	}
	cv, err := r.repo.GetActive(ctx, name)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ValidationField("config_name", fmt.Sprintf("no active configuration named %q", name))
		}
		return fmt.Errorf("get active config %s: %w", name, err)
	}
	cfg, err := cv.DecodeLoadConfig()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored configuration is invalid")
	}
	cfg.ApplyTo(p)
	p.ConfigName = name
	p.ConfigVersion = cv.Version

	r.logger.DebugContext(ctx, "config resolved", "config_name", name, "version", cv.Version)
	return nil
}

// Publish validates data as load configuration content and stores it as the
// next active version of name.
func (r *ConfigResolver) Publish(ctx context.Context, name string, data json.RawMessage) (*model.ConfigVersion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ValidationField("name", "config name is required")
	}
	probe := &model.ConfigVersion{Name: name, ConfigData: data}
	if _, err := probe.DecodeLoadConfig(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid configuration")
	}
	cv, err := r.repo.Publish(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("publish config %s: %w", name, err)
	}
	r.logger.InfoContext(ctx, "config published", "config_name", name, "version", cv.Version)
	return cv, nil
}
