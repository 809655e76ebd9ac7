package types

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for categorizing indexer errors
const (
	ErrCodeAuthentication     = "AUTH_ERROR"
	ErrCodeRateLimit          = "RATE_LIMIT_ERROR"
	ErrCodeReleaseUnavailable = "RELEASE_UNAVAILABLE"
	ErrCodeReleaseDownload    = "RELEASE_DOWNLOAD_ERROR"
	ErrCodeCaptcha            = "CAPTCHA_REQUIRED"
	ErrCodeConnection         = "CONNECTION_ERROR"
	ErrCodeParse              = "PARSE_ERROR"
	ErrCodeHTTP               = "HTTP_ERROR"
	ErrCodeRemote             = "REMOTE_ERROR"
	ErrCodeDefinition         = "DEFINITION_ERROR"
	ErrCodeConfiguration      = "CONFIG_ERROR"
)

// MaxLoggedBodySize caps response bodies attached to parse errors.
const MaxLoggedBodySize = 128 * 1024

// IndexerError represents a categorized error from an indexer operation.
type IndexerError struct {
	Code        string        // Error category code
	Message     string        // Human-readable message
	IndexerID   int64         // ID of the affected indexer (0 if not applicable)
	IndexerName string        // Name of the affected indexer
	Retryable   bool          // Whether the operation can be retried
	RetryAfter  time.Duration // Remote-provided back-off hint, zero if none
	StatusCode  int           // HTTP status, zero if not applicable
	URL         string        // Request URL, if known
	Body        string        // Truncated response body (parse errors)
	Cause       error         // Underlying error
}

// Error implements the error interface.
func (e *IndexerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.IndexerName != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.IndexerName, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *IndexerError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is().
func (e *IndexerError) Is(target error) bool {
	var t *IndexerError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithIndexer stamps the remote identity onto the error and returns it.
func (e *IndexerError) WithIndexer(id int64, name string) *IndexerError {
	e.IndexerID = id
	e.IndexerName = name
	return e
}

// WithURL records the request URL and returns the error.
func (e *IndexerError) WithURL(url string) *IndexerError {
	e.URL = url
	return e
}

// Common error instances for comparison
var (
	ErrAuthentication     = &IndexerError{Code: ErrCodeAuthentication, Message: "authentication failed"}
	ErrRateLimit          = &IndexerError{Code: ErrCodeRateLimit, Message: "rate limit exceeded"}
	ErrReleaseUnavailable = &IndexerError{Code: ErrCodeReleaseUnavailable, Message: "release unavailable"}
	ErrReleaseDownload    = &IndexerError{Code: ErrCodeReleaseDownload, Message: "release download failed"}
	ErrCaptchaRequired    = &IndexerError{Code: ErrCodeCaptcha, Message: "captcha required"}
	ErrConnection         = &IndexerError{Code: ErrCodeConnection, Message: "connection failed"}
	ErrParse              = &IndexerError{Code: ErrCodeParse, Message: "parse error"}
	ErrHTTP               = &IndexerError{Code: ErrCodeHTTP, Message: "http error"}
	ErrRemote             = &IndexerError{Code: ErrCodeRemote, Message: "remote error"}
	ErrDefinition         = &IndexerError{Code: ErrCodeDefinition, Message: "definition error"}
	ErrConfiguration      = &IndexerError{Code: ErrCodeConfiguration, Message: "configuration error"}
)

// NewAuthError creates an authentication error.
func NewAuthError(message string, cause error) *IndexerError {
	if message == "" {
		message = "authentication failed"
	}
	return &IndexerError{
		Code:      ErrCodeAuthentication,
		Message:   message,
		Retryable: false, // Auth errors usually need credential fixes
		Cause:     cause,
	}
}

// NewRateLimitError creates a rate limit error. retryAfter may be zero.
func NewRateLimitError(message string, retryAfter time.Duration) *IndexerError {
	if message == "" {
		message = "rate limit exceeded"
	}
	return &IndexerError{
		Code:       ErrCodeRateLimit,
		Message:    message,
		Retryable:  true, // Can retry after backoff
		RetryAfter: retryAfter,
		StatusCode: 429,
	}
}

// NewReleaseUnavailableError reports a download link that no longer exists.
func NewReleaseUnavailableError(url string) *IndexerError {
	return &IndexerError{
		Code:       ErrCodeReleaseUnavailable,
		Message:    "release not found on indexer",
		StatusCode: 404,
		URL:        url,
	}
}

// NewReleaseDownloadError wraps any other download failure.
func NewReleaseDownloadError(url string, cause error) *IndexerError {
	return &IndexerError{
		Code:      ErrCodeReleaseDownload,
		Message:   "failed to download release",
		Retryable: true,
		URL:       url,
		Cause:     cause,
	}
}

// NewCaptchaError reports a captcha that requires manual action.
func NewCaptchaError(message string) *IndexerError {
	if message == "" {
		message = "captcha required, manual login needed"
	}
	return &IndexerError{
		Code:    ErrCodeCaptcha,
		Message: message,
	}
}

// NewConnectionError creates a DNS/connect/timeout level error.
func NewConnectionError(url string, cause error) *IndexerError {
	return &IndexerError{
		Code:      ErrCodeConnection,
		Message:   "unable to connect to indexer",
		Retryable: true,
		URL:       url,
		Cause:     cause,
	}
}

// NewParseError creates a parsing error. The body is truncated to MaxLoggedBodySize.
func NewParseError(message string, body []byte, cause error) *IndexerError {
	if len(body) > MaxLoggedBodySize {
		body = body[:MaxLoggedBodySize]
	}
	return &IndexerError{
		Code:      ErrCodeParse,
		Message:   message,
		Retryable: false, // Parse errors are usually definition bugs
		Body:      string(body),
		Cause:     cause,
	}
}

// NewHTTPError reports an unexpected HTTP status.
func NewHTTPError(statusCode int, url string) *IndexerError {
	return &IndexerError{
		Code:       ErrCodeHTTP,
		Message:    fmt.Sprintf("unexpected status code %d", statusCode),
		Retryable:  statusCode >= 500,
		StatusCode: statusCode,
		URL:        url,
	}
}

// NewRemoteError reports an error document returned by the remote API.
func NewRemoteError(code int, description string) *IndexerError {
	return &IndexerError{
		Code:    ErrCodeRemote,
		Message: fmt.Sprintf("indexer error %d: %s", code, description),
	}
}

// NewDefinitionError reports a problem in a declarative site definition.
func NewDefinitionError(message string, cause error) *IndexerError {
	return &IndexerError{
		Code:    ErrCodeDefinition,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string) *IndexerError {
	return &IndexerError{
		Code:    ErrCodeConfiguration,
		Message: message,
	}
}

// IsRetryable returns whether the error is retryable.
func IsRetryable(err error) bool {
	var indexerErr *IndexerError
	if errors.As(err, &indexerErr) {
		return indexerErr.Retryable
	}
	return false
}

// IsAuthError returns whether the error is an authentication error.
func IsAuthError(err error) bool { return errors.Is(err, ErrAuthentication) }

// IsRateLimitError returns whether the error is a rate limit error.
func IsRateLimitError(err error) bool { return errors.Is(err, ErrRateLimit) }

// IsConnectionError returns whether the error is a DNS/connect/timeout failure.
func IsConnectionError(err error) bool { return errors.Is(err, ErrConnection) }

// IsCaptchaError returns whether the error requires manual captcha solving.
func IsCaptchaError(err error) bool { return errors.Is(err, ErrCaptchaRequired) }

// IsReleaseUnavailable returns whether a download target no longer exists.
func IsReleaseUnavailable(err error) bool { return errors.Is(err, ErrReleaseUnavailable) }

// IsParseError returns whether the response could not be parsed.
func IsParseError(err error) bool { return errors.Is(err, ErrParse) }

// RetryAfterOf extracts the retry-after hint from a rate limit error.
func RetryAfterOf(err error) time.Duration {
	var indexerErr *IndexerError
	if errors.As(err, &indexerErr) {
		return indexerErr.RetryAfter
	}
	return 0
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var indexerErr *IndexerError
	if errors.As(err, &indexerErr) {
		return indexerErr.Code
	}
	return ""
}
