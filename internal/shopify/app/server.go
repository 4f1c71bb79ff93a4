package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"goshopify_bulk/config"
	"goshopify_bulk/internal/shopify/archive"
	"goshopify_bulk/internal/shopify/bulk"
	"goshopify_bulk/internal/shopify/graphql"
	"goshopify_bulk/internal/shopify/lock"
	"goshopify_bulk/internal/shopify/models"
	"goshopify_bulk/internal/shopify/storage"
	bulkmigrations "goshopify_bulk/migrations/bulk"
	"goshopify_bulk/pkg/clock"
	"goshopify_bulk/pkg/dbconnect"
	"goshopify_bulk/pkg/dbconnect/migration"
	"goshopify_bulk/pkg/dbconnect/postgres"
)

// Report is the outcome of one RunUpdates call.
type Report struct {
	RunID     string
	DryRun    bool
	Operation models.BulkOperation
}

type Option func(*ShopifyServer)

// WithLocker replaces the Redis locker built from the config.
func WithLocker(l lock.Locker) Option {
	return func(s *ShopifyServer) { s.locker = l }
}

// WithDatabase replaces the Postgres connector built from the config.
func WithDatabase(db dbconnect.Database) Option {
	return func(s *ShopifyServer) { s.database = db }
}

func WithArchiver(a bulk.Archiver) Option {
	return func(s *ShopifyServer) { s.archiver = a }
}

func WithClock(c clock.Clock) Option {
	return func(s *ShopifyServer) { s.clock = c }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *ShopifyServer) { s.transport = rt }
}

// ShopifyServer wires config into the bulk clients of one shop.
type ShopifyServer struct {
	cfg *config.AppConfig
	log *zap.Logger

	locker    lock.Locker
	database  dbconnect.Database
	archiver  bulk.Archiver
	clock     clock.Clock
	transport http.RoundTripper

	ledger    *storage.OperationRepository
	jobs      *bulk.JobClient
	mutations *bulk.MutationClient
	closers   []func() error
}

func NewShopifyServer(cfg *config.AppConfig, log *zap.Logger, opts ...Option) *ShopifyServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ShopifyServer{
		cfg:   cfg,
		log:   log.Named("ShopifyServer").With(zap.String("shop", cfg.Shopify.ShopDomain)),
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects the ledger, applies its migrations and builds the clients.
// Close releases what Start opened, also after a failed Start.
func (s *ShopifyServer) Start(ctx context.Context) error {
	if s.database == nil && s.cfg.Postgres.Enabled() {
		s.database = postgres.NewPgConnector(s.cfg.Postgres, s.log)
	}
	if s.database != nil {
		db, err := s.database.Connect(ctx)
		if err != nil {
			return fmt.Errorf("error connecting to PostgreSQL: %w", err)
		}
		s.closers = append(s.closers, s.database.Close)

		if err := migration.Apply(db, bulkmigrations.All()...); err != nil {
			return err
		}
		s.log.Info("bulk migrations applied")
		s.ledger = storage.NewOperationRepository(db)
	}

	if s.locker == nil {
		opts, err := redis.ParseURL(s.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		s.closers = append(s.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("error connecting to Redis: %w", err)
		}
		s.locker = lock.NewRedisLocker(client, s.clock, s.log)
	}

	if s.archiver == nil && s.cfg.Archive.Bucket != "" {
		a := s.cfg.Archive
		client, err := archive.NewS3Client(ctx, archive.Config{
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
			Region:    a.Region,
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
		})
		if err != nil {
			return err
		}
		archiver, err := archive.NewS3Archiver(client, a.Bucket, a.Prefix, s.log)
		if err != nil {
			return err
		}
		s.archiver = archiver
	}

	return s.buildClients()
}

func (s *ShopifyServer) buildClients() error {
	sh := s.cfg.Shopify
	gql, err := graphql.NewClient(graphql.Config{
		ShopDomain:  sh.ShopDomain,
		APIVersion:  sh.APIVersion,
		AccessToken: sh.AccessToken,
		Endpoint:    sh.Endpoint,
		Timeout:     sh.Timeout,
		RateLimit:   sh.Rate.Limit,
		RateBurst:   sh.Rate.Burst,
		Retry:       s.cfg.RetryPolicy(),
		Transport:   s.transport,
	}, s.log, graphql.WithClock(s.clock))
	if err != nil {
		return err
	}

	opts := []bulk.Option{bulk.WithClock(s.clock)}
	if s.ledger != nil {
		opts = append(opts, bulk.WithRecorder(s.ledger))
	}
	if s.archiver != nil {
		opts = append(opts, bulk.WithArchiver(s.archiver))
	}

	b := sh.Bulk
	s.jobs, err = bulk.NewJobClient(gql, s.locker, bulk.JobConfig{
		ShopDomain:      sh.ShopDomain,
		LockTTL:         b.LockTTL,
		RefreshInterval: b.RefreshInterval,
		Poll:            bulk.PollOptions{Interval: b.PollInterval, Timeout: b.PollTimeout},
	}, s.log, opts...)
	if err != nil {
		return err
	}

	s.mutations, err = bulk.NewMutationClient(s.jobs, bulk.MutationConfig{
		DryRun:    b.DryRun,
		ReadPoll:  bulk.PollOptions{Interval: b.PollInterval, Timeout: b.PollTimeout},
		WritePoll: bulk.PollOptions{Interval: b.MutationPollInterval, Timeout: b.MutationPollTimeout},
		TempDir:   b.TempDir,
	}, s.log)
	return err
}

// RunUpdates applies specs as one bulk mutation and waits for it to finish.
func (s *ShopifyServer) RunUpdates(ctx context.Context, runID string, specs []models.ProductUpdateSpec) (Report, error) {
	if s.mutations == nil {
		return Report{}, errors.New("server not started")
	}
	log := s.log.With(zap.String("run_id", runID))

	sub, err := s.mutations.RunBulkUpdate(ctx, runID, specs)
	if err != nil {
		return Report{RunID: runID}, err
	}
	if sub.Ref.DryRun {
		log.Info("dry run finished", zap.Int("products", len(specs)))
		return Report{RunID: runID, DryRun: true, Operation: models.BulkOperation{ID: sub.Ref.BulkOperationID}}, nil
	}

	op, err := s.mutations.PollToTerminal(ctx, sub, 0)
	if err != nil {
		return Report{RunID: runID}, err
	}
	log.Info("bulk update finished",
		zap.String("op_id", op.ID),
		zap.Int64("object_count", op.ObjectCount),
		zap.String("result_url", op.URL),
	)
	return Report{RunID: runID, Operation: op}, nil
}

// ExportQuery runs a bulk query to completion and returns the operation,
// whose URL points at the JSONL result.
func (s *ShopifyServer) ExportQuery(ctx context.Context, query string) (models.BulkOperation, error) {
	if s.jobs == nil {
		return models.BulkOperation{}, errors.New("server not started")
	}
	sub, err := s.jobs.SubmitQuery(ctx, query)
	if err != nil {
		return models.BulkOperation{}, err
	}
	return s.jobs.PollStatus(ctx, sub, bulk.PollOptions{})
}

func (s *ShopifyServer) Cancel(ctx context.Context, operationID string) (models.BulkOperation, error) {
	if s.jobs == nil {
		return models.BulkOperation{}, errors.New("server not started")
	}
	return s.jobs.CancelJob(ctx, operationID)
}

// History returns the ledger rows of a run; nil when no ledger is configured.
func (s *ShopifyServer) History(ctx context.Context, runID string) ([]storage.OperationRecord, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.FindByRunID(ctx, runID)
}

// Lookup returns the ledger rows of the given operation ids.
func (s *ShopifyServer) Lookup(ctx context.Context, operationIDs []string) ([]storage.OperationRecord, error) {
	if s.ledger == nil {
		return nil, errors.New("operation ledger is not configured")
	}
	return s.ledger.FindByOperationIDs(ctx, operationIDs)
}

func (s *ShopifyServer) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
