package models

import (
	"encoding/json"
	"strconv"
)

// Status is the lifecycle state of a remote bulk operation.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceling Status = "CANCELING"
	StatusCanceled  Status = "CANCELED"
	StatusExpired   Status = "EXPIRED"
)

var knownStatuses = map[Status]struct{}{
	StatusCreated:   {},
	StatusRunning:   {},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCanceling: {},
	StatusCanceled:  {},
	StatusExpired:   {},
}

// Valid reports whether s is one of the seven statuses the platform defines.
// The comparison is case-sensitive.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// IsFailure reports the terminal statuses that do not produce a result.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// BulkOperation is a snapshot of a remote job. It is only ever built from
// remote payloads; nothing here is computed locally.
type BulkOperation struct {
	ID             string `json:"id"`
	Status         Status `json:"status"`
	URL            string `json:"url,omitempty"`
	ObjectCount    int64  `json:"objectCount,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	PartialDataURL string `json:"partialDataUrl,omitempty"`
}

type bulkOperationWire struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	URL            *string         `json:"url"`
	ObjectCount    json.RawMessage `json:"objectCount"`
	ErrorCode      *string         `json:"errorCode"`
	PartialDataURL *string         `json:"partialDataUrl"`
}

// UnmarshalJSON accepts the GraphQL shape, where nullable fields may be null
// and objectCount is an UnsignedInt64 serialised as a string.
func (o *BulkOperation) UnmarshalJSON(data []byte) error {
	var w bulkOperationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = BulkOperation{
		ID:             w.ID,
		Status:         Status(w.Status),
		URL:            deref(w.URL),
		ObjectCount:    parseCount(w.ObjectCount),
		ErrorCode:      deref(w.ErrorCode),
		PartialDataURL: deref(w.PartialDataURL),
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// parseCount returns 0 for anything that is not an integer.
func parseCount(raw json.RawMessage) int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// BulkOperationRef identifies a submitted job to the caller that owns it.
type BulkOperationRef struct {
	BulkOperationID  string `json:"bulk_op_id"`
	RunID            string `json:"run_id,omitempty"`
	ShopDomain       string `json:"shop_domain"`
	ClientIdentifier string `json:"client_identifier,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
}
