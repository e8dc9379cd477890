// Package compat validates embedding configurations: whether a
// (provider, model) pair is usable, whether switching a tenant to it
// requires a migration, and which alternatives share a dimension.
package compat

import (
	"time"
)

// Severity grades a validation issue
type Severity string

// Issue severities
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue codes
const (
	CodeUnsupportedProvider = "unsupported_provider"
	CodeUnknownModel        = "unknown_model"
	CodeDimensionLookup     = "dimension_lookup_failed"
	CodeCredentialRejected  = "credential_rejected"
	CodeCredentialTimeout   = "credential_timeout"
	CodeNoChange            = "no_change"
	CodeDimensionChange     = "dimension_change"
)

// Issue is one finding attached to a validation report
type Issue struct {
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
}

// Report is the outcome of validating a (provider, model) pair.
// IsValid holds exactly when the score is at least the validity
// threshold and no error-severity issue exists.
type Report struct {
	IsValid                bool                   `json:"is_valid"`
	Provider               string                 `json:"provider"`
	Model                  string                 `json:"model"`
	Dimension              int                    `json:"dimension"`
	Issues                 []Issue                `json:"issues"`
	Recommendations        []string               `json:"recommendations"`
	CompatibilityScore     float64                `json:"compatibility_score"`
	MigrationRequired      bool                   `json:"migration_required"`
	EstimatedMigrationTime *time.Duration         `json:"estimated_migration_time,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
}

// HasErrors reports whether any issue is error severity
func (r *Report) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (r *Report) addIssue(severity Severity, code, message, remediation string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    severity,
		Code:        code,
		Message:     message,
		Remediation: remediation,
	})
}

// ProviderModelInfo describes one usable (provider, model) pair in the
// compatibility matrix.
type ProviderModelInfo struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Estimate is a migration duration forecast
type Estimate struct {
	Chunks   int           `json:"chunks"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
	Human    string        `json:"human"`
}

// Estimator forecasts migration time for a chunk count. Wired from the
// migration engine so this package carries no migration dependency.
type Estimator func(chunks, batchSize int) Estimate
