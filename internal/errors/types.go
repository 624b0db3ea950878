// Package errors classifies exporter failures and computes retry backoff.
//
// Every error that reaches the scheduler is mapped to a Classified value:
// a category from a closed set, whether it can be retried, and the retry
// strategy for its category. Classification is pattern based (explicit typed
// errors first, then HTTP status hints, then message substrings) so errors
// from the wiki client, the filesystem and the transformer all land in the
// same taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Category is the closed set of failure classes.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryRateLimit      Category = "rateLimit"
	CategoryValidation     Category = "validation"
	CategoryTransformation Category = "transformation"
	CategoryFilesystem     Category = "filesystem"
	CategoryQueue          Category = "queue"
	CategoryConfiguration  Category = "configuration"
	CategoryUnknown        Category = "unknown"
)

// Severity grades how bad a failure is for the run as a whole.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RetryStrategy describes the backoff parameters for a retryable category.
type RetryStrategy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

// Classified is the uniform description of a failure.
type Classified struct {
	Category           Category
	Severity           Severity
	Recoverable        bool
	Retryable          bool
	UserActionRequired bool
	RetryStrategy      *RetryStrategy
	RetryAfter         time.Duration // server hint, zero when absent
	Err                error
}

// Fatal reports whether the failure must abort the run immediately.
func (c Classified) Fatal() bool {
	return c.Severity == SeverityCritical && !c.Recoverable
}

func (c Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Category, c.Err)
}

func (c Classified) Unwrap() error { return c.Err }

// HTTPError carries an HTTP status and optional Retry-After hint from the
// wiki client.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Status, e.URL)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.URL)
}

// RestrictedError marks a page the credentials cannot read. It feeds the
// failure governor's restricted-page accounting rather than the page-failure
// tally.
type RestrictedError struct {
	PageID string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("page %s is restricted", e.PageID)
}

// PersistenceError wraps a snapshot write failure. Retryable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptionError reports a snapshot that failed checksum or schema
// validation. Not retryable; recovery handles it.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted state at %s: %s", e.Path, e.Reason)
}

// ValidationError marks unparseable or schema-violating content.
type ValidationError struct {
	Subject string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConfigError marks invalid configuration; maps to exit code 2.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Retry strategies per category, from the classification table.
var (
	networkStrategy = RetryStrategy{
		BaseDelay:  2 * time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		MaxRetries: 5,
	}
	rateLimitStrategy = RetryStrategy{
		BaseDelay:  60 * time.Second,
		Multiplier: 2,
		MaxDelay:   600 * time.Second,
		MaxRetries: 10,
	}
)

// StrategyFor returns the retry strategy for a category, or nil when the
// category is not retryable.
func StrategyFor(cat Category) *RetryStrategy {
	switch cat {
	case CategoryNetwork, CategoryFilesystem:
		s := networkStrategy
		return &s
	case CategoryRateLimit:
		s := rateLimitStrategy
		return &s
	default:
		return nil
	}
}

// MaxRetries returns the retry budget for a category; non-retryable
// categories get a budget of 1 (the initial attempt only).
func MaxRetries(cat Category) int {
	if s := StrategyFor(cat); s != nil {
		return s.MaxRetries
	}
	return 1
}

// Classify maps an arbitrary error into the exporter taxonomy.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Category: CategoryUnknown, Severity: SeverityWarning, Recoverable: true}
	}

	// Already classified errors pass through.
	var classified Classified
	if errors.As(err, &classified) {
		return classified
	}

	var corruptErr *CorruptionError
	if errors.As(err, &corruptErr) {
		return Classified{
			Category:           CategoryQueue,
			Severity:           SeverityCritical,
			Recoverable:        true, // recovery may restore from backup
			Retryable:          false,
			UserActionRequired: true,
			Err:                err,
		}
	}

	var persistErr *PersistenceError
	if errors.As(err, &persistErr) {
		return retryable(CategoryFilesystem, SeverityError, err)
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return terminal(CategoryValidation, SeverityError, err)
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		c := terminal(CategoryConfiguration, SeverityCritical, err)
		c.Recoverable = false
		return c
	}

	var restrictedErr *RestrictedError
	if errors.As(err, &restrictedErr) {
		c := terminal(CategoryAuthorization, SeverityWarning, err)
		c.Recoverable = true
		return c
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		c := classifyHTTPStatus(httpErr.StatusCode, err)
		c.RetryAfter = httpErr.RetryAfter
		return c
	}

	if isNetworkError(err) || isSyscallError(err) {
		return retryable(CategoryNetwork, SeverityWarning, err)
	}

	return classifyByMessage(err)
}

func retryable(cat Category, sev Severity, err error) Classified {
	return Classified{
		Category:      cat,
		Severity:      sev,
		Recoverable:   true,
		Retryable:     true,
		RetryStrategy: StrategyFor(cat),
		Err:           err,
	}
}

func terminal(cat Category, sev Severity, err error) Classified {
	return Classified{
		Category:           cat,
		Severity:           sev,
		Recoverable:        false,
		Retryable:          false,
		UserActionRequired: true,
		Err:                err,
	}
}

func classifyHTTPStatus(status int, err error) Classified {
	switch {
	case status == http.StatusTooManyRequests:
		return retryable(CategoryRateLimit, SeverityWarning, err)
	case status == http.StatusUnauthorized:
		return terminal(CategoryAuthentication, SeverityError, err)
	case status == http.StatusForbidden:
		return terminal(CategoryAuthorization, SeverityError, err)
	case status >= 500:
		return retryable(CategoryNetwork, SeverityWarning, err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return terminal(CategoryValidation, SeverityError, err)
	default:
		c := terminal(CategoryUnknown, SeverityError, err)
		c.Recoverable = true
		return c
	}
}

// classifyByMessage is the last-resort substring match, ordered so more
// specific signals win over generic ones.
func classifyByMessage(err error) Classified {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return retryable(CategoryRateLimit, SeverityWarning, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401"):
		return terminal(CategoryAuthentication, SeverityError, err)
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return terminal(CategoryAuthorization, SeverityError, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dns"),
		strings.Contains(msg, "broken pipe"):
		return retryable(CategoryNetwork, SeverityWarning, err)
	case strings.Contains(msg, "parse") || strings.Contains(msg, "schema") ||
		strings.Contains(msg, "invalid character"):
		return terminal(CategoryValidation, SeverityError, err)
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "permission denied"):
		c := terminal(CategoryFilesystem, SeverityCritical, err)
		return c
	default:
		c := Classified{
			Category:    CategoryUnknown,
			Severity:    SeverityError,
			Recoverable: true,
			Retryable:   false,
			Err:         err,
		}
		return c
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
