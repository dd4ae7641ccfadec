package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigVersion is one version of a named load configuration. At most one
// version per config is active.
type ConfigVersion struct {
	ConfigID   string          `json:"config_id"`
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	ConfigData json.RawMessage `json:"config_data"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LoadConfigData is the recognised content of a load configuration.
type LoadConfigData struct {
	TargetTable  string                `json:"target_table,omitempty"`
	Mode         LoadMode              `json:"mode,omitempty"`
	KeyColumns   []string              `json:"key_columns,omitempty"`
	ChunkSize    int                   `json:"chunk_size,omitempty"`
	Mapping      []ColumnMapping       `json:"mapping,omitempty"`
	Transforms   map[string][]StepSpec `json:"transforms,omitempty"`
	Columns      []ColumnSpec          `json:"columns,omitempty"`
	ErrorCeiling *ErrorCeiling         `json:"error_ceiling,omitempty"`
}

// DecodeLoadConfig strictly decodes the config data of v.
func (v *ConfigVersion) DecodeLoadConfig() (*LoadConfigData, error) {
	if v == nil {
		return nil, errors.New("config version is required")
	}
	var cfg LoadConfigData
	if err := strictUnmarshal(v.ConfigData, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s v%d: %w", v.Name, v.Version, err)
	}
	return &cfg, nil
}

// ApplyTo fills unset load parameters from the configuration. Values given
// explicitly on the job win.
func (c *LoadConfigData) ApplyTo(p *LoadParameters) {
	if strings.TrimSpace(p.TargetTable) == "" {
		p.TargetTable = c.TargetTable
	}
	if p.Mode == "" {
		p.Mode = c.Mode
	}
	if len(p.KeyColumns) == 0 {
		p.KeyColumns = append([]string(nil), c.KeyColumns...)
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = c.ChunkSize
	}
	if len(p.Mapping) == 0 {
		p.Mapping = append([]ColumnMapping(nil), c.Mapping...)
	}
	if len(p.Transforms) == 0 && len(c.Transforms) > 0 {
		p.Transforms = make(map[string][]StepSpec, len(c.Transforms))
		for col, steps := range c.Transforms {
			p.Transforms[col] = append([]StepSpec(nil), steps...)
		}
	}
	if len(p.Columns) == 0 {
		p.Columns = append([]ColumnSpec(nil), c.Columns...)
	}
	if p.ErrorCeiling == nil && c.ErrorCeiling != nil {
		ceiling := *c.ErrorCeiling
		p.ErrorCeiling = &ceiling
	}
}
