package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks activation or is advisory.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Issue codes produced by definition checks.
const (
	IssueSchema           = "SCHEMA"
	IssueDuplicateNode    = "DUPLICATE_NODE"
	IssueUnknownNodeType  = "UNKNOWN_NODE_TYPE"
	IssueDanglingEdge     = "DANGLING_EDGE"
	IssueMissingTrigger   = "MISSING_TRIGGER"
	IssueMissingService   = "MISSING_SERVICE"
	IssueBadBranchTag     = "BAD_BRANCH_TAG"
	IssueBadStrategy      = "BAD_ERROR_STRATEGY"
	IssueBadCron          = "BAD_CRON"
	IssueBadCondition     = "BAD_CONDITION"
	IssueBadMapping       = "BAD_MAPPING"
	IssueUnreachable      = "UNREACHABLE_NODE"
	IssueUnknownOutput    = "UNKNOWN_OUTPUT_TYPE"
	IssueMissingWebhook   = "MISSING_WEBHOOK_URL"
	IssueNegativeSettings = "NEGATIVE_SETTING"
)

// ValidationIssue is a single validation problem with its location in the definition.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates the issues found in a definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error or warning carries code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, is := range r.Errors {
		if is.Code == code {
			return true
		}
	}
	for _, is := range r.Warnings {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Summary renders every error as "path: message", one per line.
func (r *ValidationResult) Summary() string {
	lines := make([]string, 0, len(r.Errors))
	for _, is := range r.Errors {
		lines = append(lines, fmt.Sprintf("%s: %s", is.Path, is.Message))
	}
	return strings.Join(lines, "\n")
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition has %d errors, first: %s", len(r.Errors), r.Errors[0].Message)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
