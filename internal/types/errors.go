package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. The prefix of each code names its family; callers
// branch on the family via Family rather than on individual codes.
const (
	// Validation: malformed report payloads and bad inputs. Aborts the tuple.
	ErrCodeValidationReportPayload  ErrorCode = "validation_report_payload"
	ErrCodeValidationReportRow      ErrorCode = "validation_report_row"
	ErrCodeValidationInvalidCountry ErrorCode = "validation_invalid_country"
	ErrCodeValidationInvalidBucket  ErrorCode = "validation_invalid_bucket"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"

	// Resolution: a report row matched no internal entity. Aborts the tuple.
	ErrCodeResolutionNoEntity      ErrorCode = "resolution_no_entity"
	ErrCodeResolutionBadExpression ErrorCode = "resolution_bad_expression"

	// Not found: aborts the single operation only.
	ErrCodeNotFoundAccount ErrorCode = "not_found_account"
	ErrCodeNotFoundTuple   ErrorCode = "not_found_tuple"
	ErrCodeNotFoundReport  ErrorCode = "not_found_report"
	ErrCodeNoDownloadURL   ErrorCode = "not_found_download_url"

	// Configuration: fatal at startup.
	ErrCodeConfigMissing ErrorCode = "config_missing"

	// Upstream: network/HTTP failures of the Ads API.
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_rejected"
	ErrCodeUpstreamDownload    ErrorCode = "upstream_download_failed"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// ErrorFamily groups error codes into the failure taxonomy.
type ErrorFamily string

const (
	FamilyValidation    ErrorFamily = "validation"
	FamilyResolution    ErrorFamily = "resolution"
	FamilyNotFound      ErrorFamily = "not_found"
	FamilyConfiguration ErrorFamily = "config"
	FamilyExternalAPI   ErrorFamily = "upstream"
	FamilyInternal      ErrorFamily = "internal"
)

// Family returns the taxonomy family of the code.
func (c ErrorCode) Family() ErrorFamily {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return FamilyValidation
	case strings.HasPrefix(s, "resolution_"):
		return FamilyResolution
	case strings.HasPrefix(s, "not_found_"):
		return FamilyNotFound
	case strings.HasPrefix(s, "config_"):
		return FamilyConfiguration
	case strings.HasPrefix(s, "upstream_"):
		return FamilyExternalAPI
	default:
		return FamilyInternal
	}
}

// AppError is the standard application error type used throughout the ingestor.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err's chain contains an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsFamily reports whether err's chain contains an AppError of the given family.
func IsFamily(err error, family ErrorFamily) bool {
	code := CodeOf(err)
	return code != "" && code.Family() == family
}
