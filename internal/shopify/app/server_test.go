package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goshopify_bulk/config"
	"goshopify_bulk/config/values"
	"goshopify_bulk/internal/shopify/bulk"
	"goshopify_bulk/internal/shopify/lock"
	"goshopify_bulk/internal/shopify/models"
	"goshopify_bulk/pkg/clock"
)

const (
	shop       = "demo.myshopify.com"
	readOpID   = "gid://shopify/BulkOperation/100"
	writeOpID  = "gid://shopify/BulkOperation/200"
	stagedPath = "tmp/gid-shopify-1/bulk/abc/bulk_op_vars"
)

var opName = regexp.MustCompile(`^\s*(?:query|mutation)\s+(\w+)`)

// shopStub answers every bulk operation with COMPLETED on the first poll.
type shopStub struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	ops      []string
	vars     map[string]map[string]any
	uploaded bool
}

func newShopStub(t *testing.T) *shopStub {
	s := &shopStub{t: t, vars: make(map[string]map[string]any)}
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql.json", s.graphql)
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.uploaded = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/results.jsonl", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"gid://shopify/Product/1","tags":["keep","old"],"seo":{"title":null,"description":null}}`+"\n")
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *shopStub) graphql(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if !assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := opName.FindStringSubmatch(req.Query)
	if !assert.Len(s.t, m, 2) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.ops = append(s.ops, m[1])
	s.vars[m[1]] = req.Variables
	s.mu.Unlock()

	var body string
	switch m[1] {
	case "BulkRunQuery":
		body = fmt.Sprintf(`{"data":{"bulkOperationRunQuery":{"bulkOperation":{"id":%q,"status":"CREATED"},"userErrors":[]}}}`, readOpID)
	case "BulkOperationById":
		body = fmt.Sprintf(`{"data":{"node":{"id":%q,"status":"COMPLETED","errorCode":null,"objectCount":"1","url":%q,"partialDataUrl":null}}}`,
			req.Variables["id"], s.srv.URL+"/results.jsonl")
	case "StagedUploadsCreate":
		body = fmt.Sprintf(`{"data":{"stagedUploadsCreate":{"stagedTargets":[{"url":%q,"resourceUrl":null,"parameters":[{"name":"key","value":%q}]}],"userErrors":[]}}}`,
			s.srv.URL+"/upload", stagedPath)
	case "BulkRunMutation":
		body = fmt.Sprintf(`{"data":{"bulkOperationRunMutation":{"bulkOperation":{"id":%q,"status":"CREATED","url":null},"userErrors":[]}}}`, writeOpID)
	case "BulkCancel":
		body = fmt.Sprintf(`{"data":{"bulkOperationCancel":{"bulkOperation":{"id":%q,"status":"CANCELING"},"userErrors":[]}}}`, req.Variables["id"])
	default:
		s.t.Errorf("unexpected operation %s", m[1])
		body = `{"errors":[{"message":"unexpected"}]}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (s *shopStub) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *shopStub) Uploaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded
}

func (s *shopStub) Vars(op string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars[op]
}

type mockDatabase struct {
	db     *sql.DB
	closed bool
}

func (d *mockDatabase) Connect(context.Context) (*sql.DB, error) { return d.db, nil }
func (d *mockDatabase) Ping(ctx context.Context) error           { return d.db.PingContext(ctx) }
func (d *mockDatabase) Close() error {
	d.closed = true
	return nil
}

func testConfig(endpoint, redisURL string) *config.AppConfig {
	return &config.AppConfig{
		Env: "development",
		Shopify: config.ShopifyConfig{
			ShopDomain:  shop,
			APIVersion:  "2024-10",
			AccessToken: "shpat_test",
			Endpoint:    endpoint,
			Rate:        values.RateValues{Limit: 1000, Burst: 100},
			Retry:       values.RetryValues{BaseDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 1},
			Bulk: values.BulkValues{
				LockTTL:              30 * time.Minute,
				RefreshInterval:      5 * time.Minute,
				PollInterval:         10 * time.Millisecond,
				PollTimeout:          time.Minute,
				MutationPollInterval: 10 * time.Millisecond,
				MutationPollTimeout:  time.Minute,
			},
		},
		Redis: config.RedisConfig{URL: redisURL},
	}
}

func expectSkippedMigrations(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS migrations.migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	for range 2 {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}
}

func TestRunUpdatesEndToEnd(t *testing.T) {
	stub := newShopStub(t)
	mr := miniredis.RunT(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSkippedMigrations(mock)
	mock.ExpectExec("INSERT INTO bulk.operations").
		WithArgs(readOpID, "query", "run-7", shop, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE bulk.operations").
		WithArgs(readOpID, sqlmock.AnyArg(), "", int64(1), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bulk.operations").
		WithArgs(writeOpID, "mutation", "run-7", shop, "shopbulk:run-7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE bulk.operations").
		WithArgs(writeOpID, sqlmock.AnyArg(), "", int64(1), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	database := &mockDatabase{db: db}
	srv := NewShopifyServer(testConfig(stub.srv.URL+"/graphql.json", "redis://"+mr.Addr()+"/0"), nil, WithDatabase(database))
	require.NoError(t, srv.Start(context.Background()))

	report, err := srv.RunUpdates(context.Background(), "run-7", []models.ProductUpdateSpec{
		{ProductID: "gid://shopify/Product/1", TagsAdd: []string{"new"}, TagsRemove: []string{"old"}},
	})
	require.NoError(t, err)

	assert.False(t, report.DryRun)
	assert.Equal(t, writeOpID, report.Operation.ID)
	assert.Equal(t, models.StatusCompleted, report.Operation.Status)
	assert.Equal(t, []string{
		"BulkRunQuery", "BulkOperationById", "StagedUploadsCreate", "BulkRunMutation", "BulkOperationById",
	}, stub.Ops())
	assert.True(t, stub.Uploaded())
	assert.Equal(t, stagedPath, stub.Vars("BulkRunMutation")["stagedUploadPath"])
	assert.Equal(t, "shopbulk:run-7", stub.Vars("BulkRunMutation")["clientIdentifier"])
	assert.False(t, mr.Exists(lock.KeyForShop(shop)), "lock must be released after the run")

	require.NoError(t, srv.Close())
	assert.True(t, database.closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunUpdatesDryRun(t *testing.T) {
	stub := newShopStub(t)
	cfg := testConfig(stub.srv.URL+"/graphql.json", "")
	cfg.Shopify.Bulk.DryRun = true

	srv := NewShopifyServer(cfg, nil, WithLocker(lock.NewMemoryLocker(clock.Real(), nil)))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Close()

	report, err := srv.RunUpdates(context.Background(), "run-dry", []models.ProductUpdateSpec{
		{ProductID: "gid://shopify/Product/1", TagsAdd: []string{"x"}},
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, bulk.DryRunOperationID, report.Operation.ID)
	assert.Empty(t, stub.Ops())

	history, err := srv.History(context.Background(), "run-dry")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestExportQueryAndCancel(t *testing.T) {
	stub := newShopStub(t)
	locker := lock.NewMemoryLocker(clock.Real(), nil)
	srv := NewShopifyServer(testConfig(stub.srv.URL+"/graphql.json", ""), nil, WithLocker(locker))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Close()

	op, err := srv.ExportQuery(context.Background(), `{ products { edges { node { id } } } }`)
	require.NoError(t, err)
	assert.Equal(t, readOpID, op.ID)
	assert.Equal(t, stub.srv.URL+"/results.jsonl", op.URL)
	assert.False(t, locker.Held(lock.KeyForShop(shop)))

	canceled, err := srv.Cancel(context.Background(), readOpID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceling, canceled.Status)

	_, err = srv.Lookup(context.Background(), []string{readOpID})
	assert.Error(t, err)
}

func TestStartFailsWithoutRedis(t *testing.T) {
	srv := NewShopifyServer(testConfig("http://127.0.0.1:1/graphql.json", "redis://127.0.0.1:1/0"), nil)
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis")
	assert.NoError(t, srv.Close())
}

func TestRunUpdatesBeforeStart(t *testing.T) {
	srv := NewShopifyServer(testConfig("http://127.0.0.1:1/graphql.json", ""), nil)
	_, err := srv.RunUpdates(context.Background(), "run-1", nil)
	assert.Error(t, err)
}
