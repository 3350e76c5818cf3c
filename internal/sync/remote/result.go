package remote

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/auth"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Outcome classifies the result of one remote call.
type Outcome int

const (
	// OutcomeSuccess means the server accepted the operation.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the call may succeed later (network, timeout, 5xx, 429, 408).
	OutcomeRetryable
	// OutcomeRejected means the server refused the operation permanently (4xx).
	OutcomeRejected
	// OutcomeUnauthorized means the credential is missing or no longer valid.
	OutcomeUnauthorized
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Result is what an adapter reports back to the dispatcher.
type Result struct {
	Outcome    Outcome
	Canonical  models.Canonical
	StatusCode int
	Err        error
}

// Classify maps a transport error or HTTP status to an outcome.
func Classify(status int, err error) Outcome {
	if err != nil {
		if stderrors.Is(err, auth.ErrReauthRequired) {
			return OutcomeUnauthorized
		}
		return OutcomeRetryable
	}

	switch {
	case status >= 200 && status <= 299:
		return OutcomeSuccess
	case status == http.StatusUnauthorized:
		return OutcomeUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return OutcomeRetryable
	case status >= 500:
		return OutcomeRetryable
	case status >= 400:
		return OutcomeRejected
	}
	// 1xx/3xx are not expected from the API; try again later
	return OutcomeRetryable
}

// IsRetryable reports whether err from a listing call is worth retrying.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return Classify(httpErr.StatusCode, nil) == OutcomeRetryable
	}
	return Classify(0, err) == OutcomeRetryable
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// transportResult builds a Result for a call that produced no HTTP response.
func transportResult(err error) Result {
	outcome := Classify(0, err)
	switch {
	case outcome == OutcomeUnauthorized:
		return Result{Outcome: outcome, Err: err}
	case isTimeout(err):
		return Result{Outcome: outcome, Err: errors.Wrap(errors.ErrSyncTimeout, "request timed out", err)}
	}
	return Result{Outcome: outcome, Err: errors.Wrap(errors.ErrSyncFailed, "request failed", err)}
}

// statusResult builds a Result for a non-success HTTP response.
func statusResult(resp *response) Result {
	outcome := Classify(resp.status, nil)
	httpErr := &HTTPError{StatusCode: resp.status, Body: truncate(resp.body)}

	code := errors.ErrSyncFailed
	switch outcome {
	case OutcomeRejected:
		code = errors.ErrSyncRejected
	case OutcomeUnauthorized:
		code = errors.ErrSyncAuthFailed
	}
	return Result{
		Outcome:    outcome,
		StatusCode: resp.status,
		Err:        errors.Wrap(code, http.StatusText(resp.status), httpErr),
	}
}
