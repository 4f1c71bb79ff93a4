package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/internal/shopify/lock"
	"goshopify_bulk/internal/shopify/models"
)

const (
	// DryRunOperationID is the operation id of every dry-run submission.
	DryRunOperationID = "dry-run-no-op"

	DefaultMutationPollInterval = 5 * time.Second

	clientIdentifierPrefix = "shopbulk:"
)

// ErrDryRun is returned when a dry-run submission is polled.
var ErrDryRun = errors.New("bulk: dry-run submission has no remote operation")

// Archiver keeps a copy of a change-set file before it is removed.
type Archiver interface {
	Archive(ctx context.Context, runID, path string) error
}

type MutationConfig struct {
	// DryRun validates the request and returns a placeholder submission
	// without locking or calling the platform.
	DryRun bool

	// ReadPoll bounds the read-back query, WritePoll the mutation itself.
	ReadPoll  PollOptions
	WritePoll PollOptions

	// TempDir holds change-set files; empty means os.TempDir().
	TempDir string
}

// MutationClient writes product updates as a bulk mutation, merging each
// update into the product's current state so that tags edited elsewhere
// are kept.
type MutationClient struct {
	jobs *JobClient
	cfg  MutationConfig
	opts options
	log  *zap.Logger
}

// NewMutationClient shares the job client's transport, lock and clock, so
// reads and writes of one shop are serialised by the same lock.
func NewMutationClient(jobs *JobClient, cfg MutationConfig, log *zap.Logger, opts ...Option) (*MutationClient, error) {
	if jobs == nil {
		return nil, errors.New("bulk: job client is required")
	}
	cfg.ReadPoll = cfg.ReadPoll.withDefaults(jobs.cfg.Poll.Interval)
	cfg.WritePoll = cfg.WritePoll.withDefaults(DefaultMutationPollInterval)
	if log == nil {
		log = zap.NewNop()
	}

	o := jobs.opts
	for _, opt := range opts {
		opt(&o)
	}

	return &MutationClient{
		jobs: jobs,
		cfg:  cfg,
		opts: o,
		log:  log.Named("bulk_mutation").With(zap.String("shop", jobs.cfg.ShopDomain)),
	}, nil
}

// RunBulkUpdate reads the current state of every target product, merges the
// specs into it, uploads the change-set and starts the bulk mutation.
//
// The returned submission still holds the shop's lock; PollToTerminal
// releases it. On any error the lock has already been released and the
// change-set file removed.
func (m *MutationClient) RunBulkUpdate(ctx context.Context, runID string, specs []models.ProductUpdateSpec) (*Submission, error) {
	if err := validateRun(runID, specs); err != nil {
		return nil, err
	}

	ref := models.BulkOperationRef{
		RunID:            runID,
		ShopDomain:       m.jobs.cfg.ShopDomain,
		ClientIdentifier: clientIdentifierPrefix + runID,
	}
	log := m.log.With(zap.String("run_id", runID))

	if m.cfg.DryRun {
		ref.BulkOperationID = DryRunOperationID
		ref.DryRun = true
		log.Info("dry run, skipping bulk mutation", zap.Int("products", len(specs)))
		return &Submission{Ref: ref}, nil
	}

	h, err := m.jobs.acquire(ctx)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			h.Release(ctx)
		}
	}()

	op, err := m.runLocked(ctx, h, ref, specs, log)
	if err != nil {
		log.Error("bulk mutation pipeline failed", zap.Error(err))
		return nil, err
	}

	ref.BulkOperationID = op.ID
	m.jobs.recordSubmitted(ctx, ref, KindMutation)
	log.Info("submitted bulk mutation", zap.String("op_id", op.ID), zap.Int("products", len(specs)))

	keep = true
	return &Submission{Operation: op, Ref: ref, lock: h}, nil
}

// PollToTerminal polls a submission from RunBulkUpdate until it is
// terminal and releases its lock exactly once. A zero timeout uses the
// configured write poll timeout.
func (m *MutationClient) PollToTerminal(ctx context.Context, sub *Submission, timeout time.Duration) (models.BulkOperation, error) {
	if sub == nil {
		return models.BulkOperation{}, errors.New("bulk: nil submission")
	}
	if sub.Ref.DryRun {
		return models.BulkOperation{}, ErrDryRun
	}
	defer sub.lock.Release(ctx)

	opts := m.cfg.WritePoll
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return m.jobs.pollUntilTerminal(ctx, sub.Ref.BulkOperationID, sub.lock, opts, KindMutation)
}

// FetchCurrentState runs a bulk products query under its own lock and
// returns the state of the requested products. Products the shop does not
// return are absent from the map.
func (m *MutationClient) FetchCurrentState(ctx context.Context, productIDs []string) (map[string]models.ProductState, error) {
	h, err := m.jobs.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)
	return m.fetchCurrentStateLocked(ctx, h, "", productIDs)
}

func validateRun(runID string, specs []models.ProductUpdateSpec) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("bulk: run id is required")
	}
	if len(specs) == 0 {
		return errors.New("bulk: at least one product update is required")
	}
	for i, s := range specs {
		if strings.TrimSpace(s.ProductID) == "" {
			return fmt.Errorf("bulk: product update %d has no product id", i)
		}
	}
	return nil
}

func (m *MutationClient) runLocked(ctx context.Context, h *lock.Handle, ref models.BulkOperationRef, specs []models.ProductUpdateSpec, log *zap.Logger) (models.BulkOperation, error) {
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ProductID)
	}
	current, err := m.fetchCurrentStateLocked(ctx, h, ref.RunID, ids)
	if err != nil {
		return models.BulkOperation{}, err
	}

	inputs := make([]models.ProductUpdateInput, 0, len(specs))
	for _, s := range specs {
		st, ok := current[s.ProductID]
		if !ok {
			log.Warn("product missing from current state, merging against empty tags", zap.String("product_id", s.ProductID))
			inputs = append(inputs, Resolve(s, nil))
			continue
		}
		inputs = append(inputs, Resolve(s, &st))
	}

	path, err := writeChangeSet(m.cfg.TempDir, inputs)
	if err != nil {
		return models.BulkOperation{}, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove change-set file", zap.String("path", path), zap.Error(err))
		}
	}()

	target, err := m.createStagedTarget(ctx)
	if err != nil {
		return models.BulkOperation{}, err
	}
	uploadPath, err := target.StagedUploadPath()
	if err != nil {
		return models.BulkOperation{}, err
	}
	if err := uploadStaged(ctx, m.opts.files, target, path); err != nil {
		return models.BulkOperation{}, err
	}
	log.Debug("uploaded change-set", zap.String("staged_upload_path", uploadPath), zap.Int("lines", len(inputs)))
	m.archive(ctx, ref.RunID, path, log)

	// The download, upload and archive ran without a poll loop refreshing h.
	m.jobs.refreshLock(ctx, h, log)
	return m.runMutation(ctx, uploadPath, ref.ClientIdentifier)
}

// fetchCurrentStateLocked submits the read-back query and polls it under
// h, which the caller keeps and releases.
func (m *MutationClient) fetchCurrentStateLocked(ctx context.Context, h *lock.Handle, runID string, productIDs []string) (map[string]models.ProductState, error) {
	op, err := m.jobs.submitWithLock(ctx, productsCurrentState)
	if err != nil {
		return nil, err
	}
	m.jobs.recordSubmitted(ctx, models.BulkOperationRef{BulkOperationID: op.ID, RunID: runID, ShopDomain: m.jobs.cfg.ShopDomain}, KindQuery)

	op, err = m.jobs.pollUntilTerminal(ctx, op.ID, h, m.cfg.ReadPoll, KindQuery)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}
	return m.downloadState(ctx, op.URL, wanted)
}

// downloadState streams the result file. The map holds only the target
// products, so memory is bounded by the number of updates rather than the
// size of the catalogue. The download is tried once and its errors are
// reported as terminal.
func (m *MutationClient) downloadState(ctx context.Context, url string, wanted map[string]struct{}) (map[string]models.ProductState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create result request: %w", err)
	}
	resp, err := m.opts.files.Do(req)
	if err != nil {
		return nil, &apierr.TransportError{Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, &apierr.TransportError{
			StatusCode: resp.StatusCode,
			Attempts:   1,
			Body:       string(body),
		}
	}
	return decodeCurrentState(resp.Body, wanted)
}

func (m *MutationClient) runMutation(ctx context.Context, stagedUploadPath, clientIdentifier string) (models.BulkOperation, error) {
	vars := map[string]any{
		"mutation":         productUpdateMutation,
		"stagedUploadPath": stagedUploadPath,
		"clientIdentifier": clientIdentifier,
	}
	var resp struct {
		BulkOperationRunMutation struct {
			BulkOperation *models.BulkOperation `json:"bulkOperation"`
			UserErrors    []apierr.UserError    `json:"userErrors"`
		} `json:"bulkOperationRunMutation"`
	}
	if err := m.jobs.gql.Do(ctx, mutationBulkRunMutation, vars, &resp); err != nil {
		return models.BulkOperation{}, err
	}
	if errs := resp.BulkOperationRunMutation.UserErrors; len(errs) > 0 {
		return models.BulkOperation{}, &apierr.RemoteUserError{Operation: "bulkOperationRunMutation", Fields: errs}
	}
	op := resp.BulkOperationRunMutation.BulkOperation
	if op == nil || op.ID == "" {
		return models.BulkOperation{}, &apierr.ApiConsistencyError{Message: "bulkOperationRunMutation returned no bulkOperation"}
	}
	return *op, nil
}

func (m *MutationClient) archive(ctx context.Context, runID, path string, log *zap.Logger) {
	if m.opts.archiver == nil {
		return
	}
	if err := m.opts.archiver.Archive(ctx, runID, path); err != nil {
		log.Warn("failed to archive change-set", zap.Error(err))
	}
}
