package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// LoadMode is the write semantics of a load.
type LoadMode string

const (
	// LoadModeInsert appends rows and records their keys.
	LoadModeInsert LoadMode = "insert"
	// LoadModeUpdate rewrites existing rows matched by key.
	LoadModeUpdate LoadMode = "update"
	// LoadModeUpsert updates rows that exist and inserts the rest.
	LoadModeUpsert LoadMode = "upsert"
)

// Valid reports whether m is a recognised load mode.
func (m LoadMode) Valid() bool {
	return m == LoadModeInsert || m == LoadModeUpdate || m == LoadModeUpsert
}

// CeilingScope selects how the error-rate ceiling is measured.
type CeilingScope string

const (
	// CeilingScopeCumulative compares errors against all rows processed so far.
	CeilingScopeCumulative CeilingScope = "cumulative"
	// CeilingScopeChunk compares errors against the current chunk only.
	CeilingScopeChunk CeilingScope = "chunk"
)

// Valid reports whether s is a recognised ceiling scope.
func (s CeilingScope) Valid() bool {
	return s == CeilingScopeCumulative || s == CeilingScopeChunk
}

// ErrorCeiling stops a load once the share of failed rows exceeds Rate.
type ErrorCeiling struct {
	Rate  float64      `json:"rate"`
	Scope CeilingScope `json:"scope"`
}

// Validate checks the ceiling bounds.
func (c ErrorCeiling) Validate() error {
	if c.Rate <= 0 || c.Rate > 1 {
		return errors.New("error_ceiling.rate must be in (0, 1]")
	}
	if !c.Scope.Valid() {
		return fmt.Errorf("error_ceiling.scope must be %q or %q", CeilingScopeCumulative, CeilingScopeChunk)
	}
	return nil
}

// ColumnSpec declares the expected type and nullability of a column.
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ColumnMapping renames a source column into a target column.
type ColumnMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// MaxChunkSize bounds the rows per chunk a job may request.
const MaxChunkSize = 100_000

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether s is a safe (optionally schema-qualified) SQL identifier.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// LoadParameters configures a load job.
type LoadParameters struct {
	SourceRef     string                `json:"source_ref"`
	TargetTable   string                `json:"target_table"`
	Mode          LoadMode              `json:"mode"`
	KeyColumns    []string              `json:"key_columns,omitempty"`
	ChunkSize     int                   `json:"chunk_size,omitempty"`
	Mapping       []ColumnMapping       `json:"mapping,omitempty"`
	Transforms    map[string][]StepSpec `json:"transforms,omitempty"`
	Columns       []ColumnSpec          `json:"columns,omitempty"`
	Validate      bool                  `json:"validate,omitempty"`
	FailOnError   bool                  `json:"fail_on_error,omitempty"`
	ErrorCeiling  *ErrorCeiling         `json:"error_ceiling,omitempty"`
	ConfigName    string                `json:"config_name,omitempty"`
	ConfigVersion int                   `json:"config_version,omitempty"`
}

// Check validates the parameters. It is named Check because Validate is a field.
func (p *LoadParameters) Check() error {
	if strings.TrimSpace(p.SourceRef) == "" {
		return errors.New("source_ref is required")
	}
	if !ValidIdentifier(p.TargetTable) {
		return fmt.Errorf("invalid target_table %q", p.TargetTable)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", p.Mode)
	}
	if p.ChunkSize < 0 || p.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be between 0 and %d", MaxChunkSize)
	}
	for _, k := range p.KeyColumns {
		if !ValidIdentifier(k) {
			return fmt.Errorf("invalid key column %q", k)
		}
	}
	if err := checkMapping(p.Mapping); err != nil {
		return err
	}
	if err := checkColumns(p.Columns); err != nil {
		return err
	}
	for col, steps := range p.Transforms {
		if strings.TrimSpace(col) == "" {
			return errors.New("transforms keys must be column names")
		}
		for i := range steps {
			if err := steps[i].Validate(); err != nil {
				return fmt.Errorf("transforms[%s][%d]: %w", col, i, err)
			}
		}
	}
	if p.ErrorCeiling != nil {
		if err := p.ErrorCeiling.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequiredColumns returns the names of columns marked required.
func (p *LoadParameters) RequiredColumns() []string {
	var out []string
	for _, c := range p.Columns {
		if c.Required {
			out = append(out, c.Name)
		}
	}
	return out
}

func checkMapping(mapping []ColumnMapping) error {
	seen := make(map[string]struct{}, len(mapping))
	for i, m := range mapping {
		if strings.TrimSpace(m.Source) == "" {
			return fmt.Errorf("mapping[%d].source is required", i)
		}
		if !ValidIdentifier(m.Target) {
			return fmt.Errorf("mapping[%d].target %q is not a valid column name", i, m.Target)
		}
		if _, dup := seen[m.Target]; dup {
			return fmt.Errorf("mapping target %q is mapped twice", m.Target)
		}
		seen[m.Target] = struct{}{}
	}
	return nil
}

func checkColumns(cols []ColumnSpec) error {
	for i, c := range cols {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("columns[%d].name is required", i)
		}
		if c.Type != "" && !DeclaredType(c.Type).Valid() {
			return fmt.Errorf("columns[%d].type %q is not recognised", i, c.Type)
		}
	}
	return nil
}

// ValidateParameters configures a standalone validation job.
type ValidateParameters struct {
	SourceRef  string       `json:"source_ref"`
	Columns    []ColumnSpec `json:"columns,omitempty"`
	SampleSize int          `json:"sample_size,omitempty"`
	Outliers   bool         `json:"outliers,omitempty"`
}

// Check validates the parameters.
func (p *ValidateParameters) Check() error {
	if strings.TrimSpace(p.SourceRef) == "" {
		return errors.New("source_ref is required")
	}
	if p.SampleSize < 0 {
		return errors.New("sample_size must not be negative")
	}
	return checkColumns(p.Columns)
}

// RollbackParameters configures an asynchronous rollback job.
type RollbackParameters struct {
	HistoryID string `json:"history_id"`
}

// Check validates the parameters.
func (p *RollbackParameters) Check() error {
	if strings.TrimSpace(p.HistoryID) == "" {
		return errors.New("history_id is required")
	}
	return nil
}

// DecodeLoadParameters strictly decodes and validates load parameters.
func DecodeLoadParameters(raw json.RawMessage) (*LoadParameters, error) {
	var p LoadParameters
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode load parameters: %w", err)
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeValidateParameters strictly decodes and validates validation parameters.
func DecodeValidateParameters(raw json.RawMessage) (*ValidateParameters, error) {
	var p ValidateParameters
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode validate parameters: %w", err)
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeRollbackParameters strictly decodes and validates rollback parameters.
func DecodeRollbackParameters(raw json.RawMessage) (*RollbackParameters, error) {
	var p RollbackParameters
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode rollback parameters: %w", err)
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateJobParameters checks raw parameters against the typed struct for jobType.
func ValidateJobParameters(jobType JobType, raw json.RawMessage) error {
	var err error
	switch jobType {
	case JobTypeLoad:
		_, err = DecodeLoadParameters(raw)
	case JobTypeValidate:
		_, err = DecodeValidateParameters(raw)
	case JobTypeRollback:
		_, err = DecodeRollbackParameters(raw)
	default:
		err = fmt.Errorf("invalid job type %q", jobType)
	}
	return err
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
