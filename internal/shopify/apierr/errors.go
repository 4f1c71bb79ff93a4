// Package apierr holds the closed set of errors surfaced by the bulk
// clients. Every type keeps the remote payload it was built from so callers
// can inspect it with errors.As.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockContention matches any *LockContentionError via errors.Is.
var ErrLockContention = errors.New("bulk operation already in flight")

// LockContentionError reports that another operation holds the bulk lock
// for the same shop. It is an expected outcome, not a transient failure.
type LockContentionError struct {
	ShopDomain string
	Key        string
}

func (e *LockContentionError) Error() string {
	if e.ShopDomain == "" {
		return fmt.Sprintf("bulk operation lock already held: key=%s", e.Key)
	}
	return fmt.Sprintf("bulk operation lock already held for shop=%s, key=%s", e.ShopDomain, e.Key)
}

func (e *LockContentionError) Is(target error) bool {
	return target == ErrLockContention
}

// TransportError is an HTTP-level failure of a GraphQL call. Retryable
// records the classification of the last attempt; the retry budget has
// already been spent when this error is returned.
type TransportError struct {
	Retryable  bool
	StatusCode int
	Attempts   int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s transport error: HTTP %d after %d attempt(s): %s", kind, e.StatusCode, e.Attempts, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s transport error: HTTP %d after %d attempt(s)", kind, e.StatusCode, e.Attempts)
	case e.Err != nil:
		return fmt.Sprintf("%s transport error after %d attempt(s): %v", kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s transport error after %d attempt(s)", kind, e.Attempts)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserError is one field-level validation failure from a mutation payload.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func (u UserError) String() string {
	if len(u.Field) == 0 {
		return u.Message
	}
	return strings.Join(u.Field, ".") + ": " + u.Message
}

// RemoteUserError wraps the userErrors list returned inside an otherwise
// successful response.
type RemoteUserError struct {
	Operation string
	Fields    []UserError
}

func (e *RemoteUserError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s userErrors: %s", e.Operation, strings.Join(parts, "; "))
}

// GraphQLError is one entry of the root-level "errors" array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// RemoteEnvelopeError reports root-level errors in the GraphQL envelope.
// It is raised before the data payload is looked at.
type RemoteEnvelopeError struct {
	Errors []GraphQLError
}

func (e *RemoteEnvelopeError) Messages() []string {
	out := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		out = append(out, ge.Message)
	}
	return out
}

func (e *RemoteEnvelopeError) Error() string {
	return "GraphQL root errors: " + strings.Join(e.Messages(), "; ")
}

// ApiConsistencyError is a response that is well formed but violates the
// remote contract, e.g. a COMPLETED job without a result URL.
type ApiConsistencyError struct {
	OperationID string
	Message     string
}

func (e *ApiConsistencyError) Error() string {
	if e.OperationID == "" {
		return "inconsistent API response: " + e.Message
	}
	return fmt.Sprintf("inconsistent API response for op=%s: %s", e.OperationID, e.Message)
}

// BulkJobFailure is a job that reached FAILED, CANCELED or EXPIRED.
// PartialDataURL, when set, points at whatever the job produced before it stopped.
type BulkJobFailure struct {
	OperationID    string
	Status         string
	ErrorCode      string
	PartialDataURL string
}

func (e *BulkJobFailure) Error() string {
	return fmt.Sprintf("bulk operation terminal failure: id=%s, status=%s, error_code=%s, partial_data_url=%s",
		e.OperationID, e.Status, e.ErrorCode, e.PartialDataURL)
}

const maxUploadBodyInError = 200

// StagedUploadError is a non-success response from the staged upload target.
type StagedUploadError struct {
	HTTPStatus int
	Body       string
}

func (e *StagedUploadError) Error() string {
	body := e.Body
	if len(body) > maxUploadBodyInError {
		body = body[:maxUploadBodyInError]
	}
	return fmt.Sprintf("staged upload failed: HTTP %d, body=%s", e.HTTPStatus, body)
}

// PollTimeoutError is returned when a job does not reach a terminal status
// within the poll timeout.
type PollTimeoutError struct {
	OperationID string
	Elapsed     time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("bulk poll timeout after %.1fs for op=%s", e.Elapsed.Seconds(), e.OperationID)
}

func (e *PollTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
