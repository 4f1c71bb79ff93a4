package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"goshopify_bulk/internal/shopify/models"
)

// ErrOperationNotFound is returned when a terminal status arrives for an
// operation that was never recorded as submitted.
var ErrOperationNotFound = errors.New("bulk operation not recorded")

// OperationRecord is one row of bulk.operations.
type OperationRecord struct {
	OperationID      string
	Kind             string
	RunID            string
	ShopDomain       string
	ClientIdentifier string
	Status           models.Status
	ErrorCode        string
	ObjectCount      int64
	URL              string
	PartialDataURL   string
	SubmittedAt      time.Time
	CompletedAt      *time.Time
}

// OperationRepository is the ledger of every bulk operation the service
// submitted. It satisfies bulk.Recorder.
type OperationRepository struct {
	db *sql.DB
}

func NewOperationRepository(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) RecordSubmitted(ctx context.Context, ref models.BulkOperationRef, kind string) error {
	query := `
		INSERT INTO bulk.operations (operation_id, kind, run_id, shop_domain, client_identifier, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)
		ON CONFLICT (operation_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		ref.BulkOperationID, kind, ref.RunID, ref.ShopDomain, ref.ClientIdentifier, models.StatusCreated)
	if err != nil {
		return fmt.Errorf("failed to record submitted operation %s: %w", ref.BulkOperationID, err)
	}
	return nil
}

func (r *OperationRepository) RecordTerminal(ctx context.Context, op models.BulkOperation) error {
	query := `
		UPDATE bulk.operations
		SET status = $2,
		    error_code = NULLIF($3, ''),
		    object_count = $4,
		    url = NULLIF($5, ''),
		    partial_data_url = NULLIF($6, ''),
		    completed_at = CURRENT_TIMESTAMP
		WHERE operation_id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		op.ID, op.Status, op.ErrorCode, op.ObjectCount, op.URL, op.PartialDataURL)
	if err != nil {
		return fmt.Errorf("failed to record terminal operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, op.ID)
	}
	return nil
}

const selectOperations = `
	SELECT operation_id, kind, COALESCE(run_id, ''), shop_domain, COALESCE(client_identifier, ''),
	       status, COALESCE(error_code, ''), object_count, COALESCE(url, ''), COALESCE(partial_data_url, ''),
	       submitted_at, completed_at
	FROM bulk.operations
`

// FindByRunID returns the operations of one run, oldest first: the
// read-back query followed by the mutation.
func (r *OperationRepository) FindByRunID(ctx context.Context, runID string) ([]OperationRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectOperations+` WHERE run_id = $1 ORDER BY submitted_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations for run %s: %w", runID, err)
	}
	return scanOperations(rows)
}

// FindByOperationIDs returns the recorded operations among ids.
func (r *OperationRepository) FindByOperationIDs(ctx context.Context, ids []string) ([]OperationRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectOperations+` WHERE operation_id = ANY($1) ORDER BY submitted_at, id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]OperationRecord, error) {
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var (
			rec       OperationRecord
			status    string
			completed sql.NullTime
		)
		err := rows.Scan(&rec.OperationID, &rec.Kind, &rec.RunID, &rec.ShopDomain, &rec.ClientIdentifier,
			&status, &rec.ErrorCode, &rec.ObjectCount, &rec.URL, &rec.PartialDataURL,
			&rec.SubmittedAt, &completed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		rec.Status = models.Status(status)
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
