package resilience

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind is the retry-relevant class of a scraping error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers timeouts, resets and 5xx responses. Retryable.
	KindNetwork
	// KindRateLimit covers 429 responses and anti-bot blocks. Retryable with
	// extended backoff.
	KindRateLimit
	// KindParse is a missing field or changed markup. Per item, not retried.
	KindParse
	// KindClient is a permanent 4xx response. Not retried.
	KindClient
	// KindGone means the product page no longer exists (404/410).
	KindGone
	// KindSourceUnavailable means the retailer cannot be reached at all
	// (DNS failure, connection refused, TLS failure).
	KindSourceUnavailable
	// KindPersistence is a failed storage transaction for one item.
	KindPersistence
	// KindCanceled means the caller's context ended.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindParse:
		return "parse"
	case KindClient:
		return "client"
	case KindGone:
		return "gone"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindPersistence:
		return "persistence"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// NetworkError wraps a transport failure or a transient server response.
type NetworkError struct {
	Err        error
	StatusCode int
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network: status %d: %v", e.StatusCode, e.Err)
	}
	return "network: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err as retryable with an optional HTTP status code.
func NewNetworkError(err error, statusCode int) *NetworkError {
	return &NetworkError{Err: err, StatusCode: statusCode}
}

// RateLimitError signals that the retailer asked us to slow down.
type RateLimitError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %v", e.StatusCode, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ParseError reports a required field that could not be extracted.
type ParseError struct {
	Field string
	URL   string
	Err   error
}

func (e *ParseError) Error() string {
	msg := "parse: " + e.Field
	if e.URL != "" {
		msg += " at " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError for field at url.
func NewParseError(field, url string, err error) *ParseError {
	return &ParseError{Field: field, URL: url, Err: err}
}

// ClientError is a permanent 4xx response other than 404/410/429.
type ClientError struct {
	StatusCode int
	URL        string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: status %d from %s", e.StatusCode, e.URL)
}

// GoneError means the product page was removed by the retailer.
type GoneError struct {
	StatusCode int
	URL        string
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("gone: status %d from %s", e.StatusCode, e.URL)
}

// SourceUnavailableError means the retailer endpoint is unreachable as a whole.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string { return "source unavailable: " + e.Err.Error() }

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed write for a single item.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a storage failure during op.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// Classify maps err onto a Kind. Typed errors anywhere in the chain win over
// the heuristics applied to untyped transport errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		rl   *RateLimitError
		ne   *NetworkError
		pe   *ParseError
		ce   *ClientError
		ge   *GoneError
		su   *SourceUnavailableError
		perr *PersistenceError
	)
	switch {
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &ge):
		return KindGone
	case errors.As(err, &ce):
		return KindClient
	case errors.As(err, &su):
		return KindSourceUnavailable
	case errors.As(err, &perr):
		return KindPersistence
	case errors.As(err, &ne):
		return KindNetwork
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	// DNS "no such host" and refused connections mean nobody is listening.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return KindSourceUnavailable
		}
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindSourceUnavailable
	}
	var certErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) {
		return KindSourceUnavailable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"no such host", "connection refused"} {
		if strings.Contains(msg, p) {
			return KindSourceUnavailable
		}
	}
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return KindNetwork
		}
	}

	return KindUnknown
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool { return Classify(err) == KindRateLimit }

// IsParse reports whether err is a data-quality failure.
func IsParse(err error) bool { return Classify(err) == KindParse }

// IsGone reports whether the product page was removed.
func IsGone(err error) bool { return Classify(err) == KindGone }

// IsCatastrophic reports whether err indicates the whole source is down.
func IsCatastrophic(err error) bool { return Classify(err) == KindSourceUnavailable }

// RetryAfter returns the server-provided wait hint carried by a
// RateLimitError, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// ClassifyHTTPStatus converts a non-2xx status into the taxonomy. A nil
// return means the status is not an error.
func ClassifyHTTPStatus(statusCode int, url string, retryAfter time.Duration) error {
	switch {
	case statusCode < 400:
		return nil
	case statusCode == 429:
		return &RateLimitError{
			Err:        fmt.Errorf("too many requests from %s", url),
			StatusCode: statusCode,
			RetryAfter: retryAfter,
		}
	case statusCode == 404 || statusCode == 410:
		return &GoneError{StatusCode: statusCode, URL: url}
	case statusCode == 408:
		return NewNetworkError(fmt.Errorf("request timeout from %s", url), statusCode)
	case statusCode == 503 && retryAfter > 0:
		return &RateLimitError{
			Err:        fmt.Errorf("service unavailable from %s", url),
			StatusCode: statusCode,
			RetryAfter: retryAfter,
		}
	case statusCode >= 500:
		return NewNetworkError(fmt.Errorf("server error from %s", url), statusCode)
	default:
		return &ClientError{StatusCode: statusCode, URL: url}
	}
}
