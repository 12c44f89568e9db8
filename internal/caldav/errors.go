package caldav

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindTransport is a connection-level failure (DNS, refused, reset).
	KindTransport Kind = iota
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout
	// KindHTTPStatus is an unhandled non-2xx response.
	KindHTTPStatus
	// KindAuthRejected is a 401 after the Digest retry, or a 401 that
	// offered no usable challenge.
	KindAuthRejected
	// KindForbidden is a 403. It is never retried.
	KindForbidden
	// KindMalformed is a response body or resource payload that could not
	// be parsed.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindAuthRejected:
		return "auth_rejected"
	case KindForbidden:
		return "forbidden"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinel errors matching each Kind.
//
// A *Error reports itself as its kind's sentinel, so callers can use either
// errors.Is or the Is* helpers below:
//
//	if errors.Is(err, caldav.ErrAuthRejected) {
//	    // prompt for new credentials
//	}
var (
	// ErrTransport is matched by errors of KindTransport.
	ErrTransport = errors.New("caldav transport failure")

	// ErrTimeout is matched by errors of KindTimeout.
	ErrTimeout = errors.New("caldav request timed out")

	// ErrHTTPStatus is matched by errors of KindHTTPStatus.
	ErrHTTPStatus = errors.New("caldav unexpected status")

	// ErrAuthRejected is matched by errors of KindAuthRejected.
	ErrAuthRejected = errors.New("caldav credentials rejected")

	// ErrForbidden is matched by errors of KindForbidden.
	ErrForbidden = errors.New("caldav access forbidden")

	// ErrMalformed is matched by errors of KindMalformed.
	ErrMalformed = errors.New("caldav malformed response")
)

var kindSentinels = map[Kind]error{
	KindTransport:    ErrTransport,
	KindTimeout:      ErrTimeout,
	KindHTTPStatus:   ErrHTTPStatus,
	KindAuthRejected: ErrAuthRejected,
	KindForbidden:    ErrForbidden,
	KindMalformed:    ErrMalformed,
}

// Error is the single error type returned by Client operations.
type Error struct {
	Kind       Kind
	Op         string // REPORT, PUT, GET, DELETE, or a decode step
	URL        string
	StatusCode int    // set for KindHTTPStatus, KindAuthRejected, KindForbidden
	Body       string // response body, truncated
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("caldav %s %s", e.Op, e.URL)
	switch e.Kind {
	case KindHTTPStatus:
		msg += fmt.Sprintf(": status %d", e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	case KindAuthRejected:
		msg += ": credentials rejected"
	case KindForbidden:
		msg += ": access forbidden"
	case KindTimeout:
		msg += ": timed out"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

func statusError(op, url string, code int, body []byte) *Error {
	kind := KindHTTPStatus
	switch code {
	case http.StatusUnauthorized:
		kind = KindAuthRejected
	case http.StatusForbidden:
		kind = KindForbidden
	}
	return &Error{Kind: kind, Op: op, URL: url, StatusCode: code, Body: truncateBody(body)}
}

func asError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsNotFound returns true for a 404 response.
func IsNotFound(err error) bool {
	ce, ok := asError(err)
	return ok && ce.Kind == KindHTTPStatus && ce.StatusCode == http.StatusNotFound
}

// IsPreconditionFailed returns true for a 412 response, the server's
// answer to a stale If-Match or an If-None-Match on an existing resource.
func IsPreconditionFailed(err error) bool {
	ce, ok := asError(err)
	return ok && ce.Kind == KindHTTPStatus && ce.StatusCode == http.StatusPreconditionFailed
}

// IsAuthRejected returns true if the server refused the credentials.
func IsAuthRejected(err error) bool {
	ce, ok := asError(err)
	return ok && ce.Kind == KindAuthRejected
}

// IsMalformed returns true if a response or resource could not be parsed.
func IsMalformed(err error) bool {
	ce, ok := asError(err)
	return ok && ce.Kind == KindMalformed
}

// IsRetryable returns true if the error is likely to succeed on the next
// pass without user action.
func IsRetryable(err error) bool {
	ce, ok := asError(err)
	if !ok {
		return false
	}
	switch ce.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindHTTPStatus:
		return ce.StatusCode >= 500
	}
	return false
}
