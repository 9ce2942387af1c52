package fetch

import (
	"errors"
	"fmt"
)

// Class categorizes the outcome of a request attempt.
type Class string

const (
	// ClassOK is a successful response.
	ClassOK Class = "ok"

	// ClassRateLimited is a rejection by the remote service's own limiter
	// (HTTP 429), possible despite local gating when clocks disagree.
	ClassRateLimited Class = "rate_limited"

	// ClassAuthExpired is an expired access token (HTTP 401), recoverable
	// once per unit via token refresh.
	ClassAuthExpired Class = "auth_expired"

	// ClassTransient covers network failures and 5xx server errors,
	// recoverable via bounded retry with backoff.
	ClassTransient Class = "transient"

	// ClassPermanent covers remaining 4xx errors; the unit is marked failed
	// and the run continues.
	ClassPermanent Class = "permanent"

	// ClassLocalReject marks a unit the transport refused before
	// transmission (e.g. a malformed endpoint). No quota is consumed.
	ClassLocalReject Class = "local_reject"
)

// Errors that terminate a whole run.
var (
	// ErrAuthInvalid means the refresh token was rejected; the user must
	// re-run the interactive authorization flow.
	ErrAuthInvalid = errors.New("authorization invalid, re-run authorization")

	// ErrStorage means a ledger write failed; the run aborts rather than
	// risk silently losing progress.
	ErrStorage = errors.New("ledger storage error")
)

// APIError carries the classification and status of a failed request.
type APIError struct {
	StatusCode int
	Class      Class
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code onto the taxonomy.
func classifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code == 429:
		return ClassRateLimited
	case code == 401:
		return ClassAuthExpired
	case code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
