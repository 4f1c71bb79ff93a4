// Package bulk submits and tracks Shopify bulk operations. Every bulk
// operation of a shop runs under the shop's lock, which is acquired on
// submission and released exactly once when the operation is resolved.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"goshopify_bulk/internal/shopify/apierr"
	"goshopify_bulk/internal/shopify/lock"
	"goshopify_bulk/internal/shopify/models"
	"goshopify_bulk/metrics"
	"goshopify_bulk/pkg/clock"
	"goshopify_bulk/pkg/middleware"
)

const (
	DefaultLockTTL         = 30 * time.Minute
	DefaultRefreshInterval = 5 * time.Minute
	DefaultPollInterval    = 2 * time.Second
	DefaultPollTimeout     = time.Hour

	KindQuery    = "query"
	KindMutation = "mutation"
)

// Transport sends one GraphQL document. *graphql.Client implements it.
type Transport interface {
	Do(ctx context.Context, query string, variables map[string]any, out any) error
}

// Recorder persists the lifecycle of submitted operations. Failures are
// logged by the caller and never abort a run.
type Recorder interface {
	RecordSubmitted(ctx context.Context, ref models.BulkOperationRef, kind string) error
	RecordTerminal(ctx context.Context, op models.BulkOperation) error
}

// PollOptions bounds one poll loop.
type PollOptions struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (o PollOptions) withDefaults(interval time.Duration) PollOptions {
	if o.Interval <= 0 {
		o.Interval = interval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultPollTimeout
	}
	return o
}

type JobConfig struct {
	ShopDomain      string
	LockTTL         time.Duration
	RefreshInterval time.Duration
	Poll            PollOptions
}

type options struct {
	clock    clock.Clock
	recorder Recorder
	archiver Archiver
	files    *http.Client
}

// Option customises a JobClient or MutationClient.
type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithArchiver keeps a copy of every uploaded change-set.
func WithArchiver(a Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithHTTPClient replaces the client used for result downloads and staged
// uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.files = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.files == nil {
		o.files = &http.Client{
			Timeout:   10 * time.Minute,
			Transport: middleware.PrometheusTransport(nil, "bulk_files"),
		}
	}
	return o
}

// Submission is a bulk operation accepted by the platform together with the
// lock that was acquired for it. Polling the submission releases the lock.
type Submission struct {
	Operation models.BulkOperation
	Ref       models.BulkOperationRef

	lock *lock.Handle
}

// Release gives the lock up without polling, for callers that abandon a
// submission. It is safe to call more than once.
func (s *Submission) Release(ctx context.Context) {
	if s != nil {
		s.lock.Release(ctx)
	}
}

// JobClient runs bulk queries.
type JobClient struct {
	gql    Transport
	locker lock.Locker
	cfg    JobConfig
	opts   options
	log    *zap.Logger
}

func NewJobClient(gql Transport, locker lock.Locker, cfg JobConfig, log *zap.Logger, opts ...Option) (*JobClient, error) {
	if gql == nil || locker == nil {
		return nil, errors.New("bulk: transport and locker are required")
	}
	if cfg.ShopDomain == "" {
		return nil, errors.New("bulk: shop domain is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshInterval >= cfg.LockTTL {
		return nil, fmt.Errorf("bulk: refresh interval %s must be shorter than lock ttl %s", cfg.RefreshInterval, cfg.LockTTL)
	}
	cfg.Poll = cfg.Poll.withDefaults(DefaultPollInterval)
	if log == nil {
		log = zap.NewNop()
	}

	return &JobClient{
		gql:    gql,
		locker: locker,
		cfg:    cfg,
		opts:   buildOptions(opts),
		log:    log.Named("bulk").With(zap.String("shop", cfg.ShopDomain)),
	}, nil
}

// SubmitQuery starts a bulk query. It fails fast with
// *apierr.LockContentionError, before any request, when another bulk
// operation of the shop holds the lock.
func (c *JobClient) SubmitQuery(ctx context.Context, query string) (*Submission, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	op, err := c.submitWithLock(ctx, query)
	if err != nil {
		h.Release(ctx)
		return nil, err
	}

	sub := &Submission{
		Operation: op,
		Ref:       models.BulkOperationRef{BulkOperationID: op.ID, ShopDomain: c.cfg.ShopDomain},
		lock:      h,
	}
	c.recordSubmitted(ctx, sub.Ref, KindQuery)
	return sub, nil
}

// PollStatus polls the submission until it reaches a terminal status and
// releases its lock on every path out. Zero fields of opts fall back to the
// client's poll options.
func (c *JobClient) PollStatus(ctx context.Context, sub *Submission, opts PollOptions) (models.BulkOperation, error) {
	if sub == nil {
		return models.BulkOperation{}, errors.New("bulk: nil submission")
	}
	defer sub.lock.Release(ctx)

	if opts.Interval <= 0 {
		opts.Interval = c.cfg.Poll.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.Poll.Timeout
	}
	return c.pollUntilTerminal(ctx, sub.Operation.ID, sub.lock, opts, KindQuery)
}

// CancelJob asks the platform to cancel a running operation. The status
// moves through CANCELING to CANCELED; a poll in progress observes that and
// releases the lock.
func (c *JobClient) CancelJob(ctx context.Context, operationID string) (models.BulkOperation, error) {
	var resp struct {
		BulkOperationCancel struct {
			BulkOperation *models.BulkOperation `json:"bulkOperation"`
			UserErrors    []apierr.UserError    `json:"userErrors"`
		} `json:"bulkOperationCancel"`
	}
	if err := c.gql.Do(ctx, mutationBulkCancel, map[string]any{"id": operationID}, &resp); err != nil {
		return models.BulkOperation{}, err
	}
	if errs := resp.BulkOperationCancel.UserErrors; len(errs) > 0 {
		return models.BulkOperation{}, &apierr.RemoteUserError{Operation: "bulkOperationCancel", Fields: errs}
	}
	if resp.BulkOperationCancel.BulkOperation == nil {
		return models.BulkOperation{}, &apierr.ApiConsistencyError{OperationID: operationID, Message: "bulkOperationCancel returned no bulkOperation"}
	}

	op := *resp.BulkOperationCancel.BulkOperation
	c.log.Info("requested bulk operation cancel", zap.String("op_id", op.ID), zap.String("status", string(op.Status)))
	return op, nil
}

func (c *JobClient) lockKey() string {
	return lock.KeyForShop(c.cfg.ShopDomain)
}

func (c *JobClient) acquire(ctx context.Context) (*lock.Handle, error) {
	h, err := c.locker.TryAcquire(ctx, c.lockKey(), c.cfg.LockTTL)
	if err != nil {
		var contention *apierr.LockContentionError
		if errors.As(err, &contention) {
			metrics.RecordLock("busy")
			contention.ShopDomain = c.cfg.ShopDomain
			c.log.Warn("bulk operation already in flight", zap.String("key", contention.Key))
			return nil, contention
		}
		metrics.RecordLock("error")
		return nil, fmt.Errorf("acquire bulk lock: %w", err)
	}
	metrics.RecordLock("acquired")
	return h, nil
}

// submitWithLock runs bulkOperationRunQuery. The caller owns the lock and
// is responsible for releasing it.
func (c *JobClient) submitWithLock(ctx context.Context, query string) (models.BulkOperation, error) {
	var resp struct {
		BulkOperationRunQuery struct {
			BulkOperation *models.BulkOperation `json:"bulkOperation"`
			UserErrors    []apierr.UserError    `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := c.gql.Do(ctx, mutationBulkRunQuery, map[string]any{"query": query}, &resp); err != nil {
		return models.BulkOperation{}, err
	}
	if errs := resp.BulkOperationRunQuery.UserErrors; len(errs) > 0 {
		return models.BulkOperation{}, &apierr.RemoteUserError{Operation: "bulkOperationRunQuery", Fields: errs}
	}
	op := resp.BulkOperationRunQuery.BulkOperation
	if op == nil || op.ID == "" {
		return models.BulkOperation{}, &apierr.ApiConsistencyError{Message: "bulkOperationRunQuery returned no bulkOperation"}
	}

	c.log.Info("submitted bulk query", zap.String("op_id", op.ID), zap.String("status", string(op.Status)))
	return *op, nil
}

// pollUntilTerminal runs two timers on the injected clock: one for the
// status poll and one for the lock refresh, so a poll interval longer than
// the refresh interval can never let the lock lapse. The refresh timer
// counts from the handle's last refresh, not from the start of this loop,
// and an overdue refresh happens before the first poll. It does not
// release h.
func (c *JobClient) pollUntilTerminal(ctx context.Context, operationID string, h *lock.Handle, opts PollOptions, kind string) (models.BulkOperation, error) {
	opts = opts.withDefaults(c.cfg.Poll.Interval)
	log := c.log.With(zap.String("op_id", operationID), zap.String("kind", kind))

	start := c.opts.clock.Now()
	lastRefresh := start
	if h != nil {
		lastRefresh = h.LastRefreshed()
	}
	nextPoll := start

	for {
		now := c.opts.clock.Now()

		if h != nil && now.Sub(lastRefresh) >= c.cfg.RefreshInterval {
			c.refreshLock(ctx, h, log)
			lastRefresh = now
		}

		if !now.Before(nextPoll) {
			op, err := c.fetchOperation(ctx, operationID)
			if err != nil {
				return models.BulkOperation{}, err
			}
			if op.Status.IsTerminal() {
				return c.resolveTerminal(ctx, op, kind)
			}
			log.Debug("bulk operation in progress", zap.String("status", string(op.Status)), zap.Int64("object_count", op.ObjectCount))

			now = c.opts.clock.Now()
			nextPoll = now.Add(opts.Interval)
		}

		elapsed := now.Sub(start)
		if elapsed >= opts.Timeout {
			log.Error("bulk operation poll timed out", zap.Duration("elapsed", elapsed))
			return models.BulkOperation{}, &apierr.PollTimeoutError{OperationID: operationID, Elapsed: elapsed}
		}

		if h != nil && now.Sub(lastRefresh) >= c.cfg.RefreshInterval {
			c.refreshLock(ctx, h, log)
			lastRefresh = now
		}

		wake := earliest(nextPoll, lastRefresh.Add(c.cfg.RefreshInterval), start.Add(opts.Timeout))
		if err := c.opts.clock.Sleep(ctx, wake.Sub(now)); err != nil {
			return models.BulkOperation{}, err
		}
	}
}

// refreshLock logs a failed refresh and carries on; the operation keeps
// running server-side whether or not we still hold the key.
func (c *JobClient) refreshLock(ctx context.Context, h *lock.Handle, log *zap.Logger) {
	if err := h.Refresh(ctx); err != nil {
		log.Error("failed to refresh bulk lock", zap.String("key", h.Key()), zap.Error(err))
	}
}

func earliest(first time.Time, rest ...time.Time) time.Time {
	out := first
	for _, t := range rest {
		if t.Before(out) {
			out = t
		}
	}
	return out
}

func (c *JobClient) resolveTerminal(ctx context.Context, op models.BulkOperation, kind string) (models.BulkOperation, error) {
	metrics.RecordTerminal(kind, string(op.Status))
	c.recordTerminal(ctx, op)

	if op.Status == models.StatusCompleted {
		if op.URL == "" {
			return models.BulkOperation{}, &apierr.ApiConsistencyError{OperationID: op.ID, Message: "status COMPLETED without a result url"}
		}
		c.log.Info("bulk operation completed",
			zap.String("op_id", op.ID),
			zap.String("kind", kind),
			zap.Int64("object_count", op.ObjectCount),
		)
		return op, nil
	}

	c.log.Error("bulk operation failed",
		zap.String("op_id", op.ID),
		zap.String("kind", kind),
		zap.String("status", string(op.Status)),
		zap.String("error_code", op.ErrorCode),
	)
	return models.BulkOperation{}, &apierr.BulkJobFailure{
		OperationID:    op.ID,
		Status:         string(op.Status),
		ErrorCode:      op.ErrorCode,
		PartialDataURL: op.PartialDataURL,
	}
}

func (c *JobClient) fetchOperation(ctx context.Context, operationID string) (models.BulkOperation, error) {
	var resp struct {
		Node *models.BulkOperation `json:"node"`
	}
	if err := c.gql.Do(ctx, queryBulkOperationByID, map[string]any{"id": operationID}, &resp); err != nil {
		return models.BulkOperation{}, err
	}
	if resp.Node == nil || resp.Node.ID == "" {
		return models.BulkOperation{}, &apierr.ApiConsistencyError{OperationID: operationID, Message: "bulk operation not found"}
	}
	if !resp.Node.Status.Valid() {
		return models.BulkOperation{}, &apierr.ApiConsistencyError{
			OperationID: operationID,
			Message:     fmt.Sprintf("unknown bulk operation status %q", resp.Node.Status),
		}
	}
	return *resp.Node, nil
}

func (c *JobClient) recordSubmitted(ctx context.Context, ref models.BulkOperationRef, kind string) {
	if c.opts.recorder == nil {
		return
	}
	if err := c.opts.recorder.RecordSubmitted(ctx, ref, kind); err != nil {
		c.log.Warn("failed to record submitted bulk operation", zap.String("op_id", ref.BulkOperationID), zap.Error(err))
	}
}

func (c *JobClient) recordTerminal(ctx context.Context, op models.BulkOperation) {
	if c.opts.recorder == nil {
		return
	}
	if err := c.opts.recorder.RecordTerminal(ctx, op); err != nil {
		c.log.Warn("failed to record terminal bulk operation", zap.String("op_id", op.ID), zap.Error(err))
	}
}
