package model

import "time"

// Severity grades a validation finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities so the worst can be selected.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ValidationType names the metric a finding reports.
type ValidationType string

const (
	ValidationNullCheck      ValidationType = "null_check"
	ValidationDuplicateCheck ValidationType = "duplicate_check"
	ValidationTypeCheck      ValidationType = "type_check"
	ValidationOutlierCheck   ValidationType = "outlier_check"
	ValidationRowCheck       ValidationType = "row_check"
)

// RowFindingColumn is the column name used for findings that describe whole rows.
const RowFindingColumn = "*"

// DeclaredType is a column type a caller can declare or the engine can infer.
type DeclaredType string

const (
	TypeString   DeclaredType = "string"
	TypeInteger  DeclaredType = "integer"
	TypeNumber   DeclaredType = "number"
	TypeBoolean  DeclaredType = "boolean"
	TypeDate     DeclaredType = "date"
	TypeDateTime DeclaredType = "datetime"
	TypeEmail    DeclaredType = "email"
	TypeURL      DeclaredType = "url"
	TypePhone    DeclaredType = "phone"
)

// Valid reports whether t is recognised.
func (t DeclaredType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate, TypeDateTime, TypeEmail, TypeURL, TypePhone:
		return true
	default:
		return false
	}
}

// Numeric reports whether t holds numbers.
func (t DeclaredType) Numeric() bool {
	return t == TypeInteger || t == TypeNumber
}

// FindingResult carries the measured values behind a finding.
type FindingResult struct {
	Total        int      `json:"total"`
	Count        int      `json:"count"`
	Ratio        float64  `json:"ratio"`
	DeclaredType string   `json:"declared_type,omitempty"`
	InferredType string   `json:"inferred_type,omitempty"`
	Required     bool     `json:"required,omitempty"`
	LowerFence   *float64 `json:"lower_fence,omitempty"`
	UpperFence   *float64 `json:"upper_fence,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// ValidationFinding is one structured validation result for one column.
type ValidationFinding struct {
	ID             int64          `json:"id,omitempty"`
	SessionID      string         `json:"session_id"`
	ColumnName     string         `json:"column_name"`
	ValidationType ValidationType `json:"validation_type"`
	Result         FindingResult  `json:"result"`
	Severity       Severity       `json:"severity"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WorstSeverity returns the highest severity among findings.
func WorstSeverity(findings []ValidationFinding) Severity {
	worst := SeverityInfo
	for i := range findings {
		if findings[i].Severity.Rank() > worst.Rank() {
			worst = findings[i].Severity
		}
	}
	return worst
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(findings []ValidationFinding) map[Severity]int {
	out := map[Severity]int{}
	for i := range findings {
		out[findings[i].Severity]++
	}
	return out
}
