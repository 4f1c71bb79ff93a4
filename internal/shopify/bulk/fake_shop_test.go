package bulk

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goshopify_bulk/internal/shopify/graphql"
	"goshopify_bulk/internal/shopify/lock"
	"goshopify_bulk/internal/shopify/models"
	"goshopify_bulk/internal/shopify/retry"
	"goshopify_bulk/pkg/clock"
)

const (
	testShop    = "demo.myshopify.com"
	queryOpID   = "gid://shopify/BulkOperation/100"
	mutateOpID  = "gid://shopify/BulkOperation/200"
	stagedKey   = "tmp/gid-shopify-1/bulk/abc/bulk_op_vars"
	testRunID   = "run-42"
	resultsPath = "/results/products.jsonl"
)

var operationName = regexp.MustCompile(`^\s*(?:query|mutation)\s+(\w+)`)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type uploadRecord struct {
	fieldOrder []string
	fields     map[string]string
	fileName   string
	fileType   string
	file       string
}

// fakeShop is an httptest stand-in for the Admin API, the staged upload
// target and the result file host. Overrides replace the default response
// of one GraphQL operation.
type fakeShop struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	requests  int
	calls     map[string][]graphqlRequest
	statuses  map[string][]string
	overrides map[string]string
	params    []models.StagedUploadParameter
	results   string
	upload    *uploadRecord
	uploadErr int
	resultErr int
}

func newFakeShop(t *testing.T) *fakeShop {
	t.Helper()
	s := &fakeShop{
		t:         t,
		calls:     make(map[string][]graphqlRequest),
		statuses:  make(map[string][]string),
		overrides: make(map[string]string),
		params: []models.StagedUploadParameter{
			{Name: "Content-Type", Value: "text/jsonl"},
			{Name: "success_action_status", Value: "201"},
			{Name: "acl", Value: "private"},
			{Name: "key", Value: stagedKey},
			{Name: "x-goog-credential", Value: "merchant-assets@shopify.iam"},
			{Name: "policy", Value: "eyJjb25kaXRpb25zIjpbXX0="},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/api/2024-10/graphql.json", s.handleGraphQL)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc(resultsPath, func(w http.ResponseWriter, r *http.Request) {
		s.count()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.resultErr != 0 {
			w.WriteHeader(s.resultErr)
			return
		}
		_, _ = io.WriteString(w, s.results)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeShop) count() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

func (s *fakeShop) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *fakeShop) Calls(op string) []graphqlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]graphqlRequest(nil), s.calls[op]...)
}

// SetStatuses scripts the statuses BulkOperationById reports for id, one
// per poll; the last one repeats.
func (s *fakeShop) SetStatuses(id string, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = statuses
}

func (s *fakeShop) Override(op, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[op] = body
}

func (s *fakeShop) SetResults(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = body
}

func (s *fakeShop) SetParams(params []models.StagedUploadParameter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
}

// FailUploads makes the upload target answer with status.
func (s *fakeShop) FailUploads(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadErr = status
}

// FailResults makes the result file answer with status.
func (s *fakeShop) FailResults(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultErr = status
}

func (s *fakeShop) Upload() *uploadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload
}

func (s *fakeShop) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	s.count()
	var req graphqlRequest
	if !assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&req)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := operationName.FindStringSubmatch(req.Query)
	if !assert.Len(s.t, m, 2, "query has no operation name: %s", req.Query) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	op := m[1]

	s.mu.Lock()
	s.calls[op] = append(s.calls[op], req)
	body, overridden := s.overrides[op]
	s.mu.Unlock()

	if !overridden {
		body = s.defaultResponse(op, req)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (s *fakeShop) defaultResponse(op string, req graphqlRequest) string {
	switch op {
	case "BulkRunQuery":
		return fmt.Sprintf(`{"data":{"bulkOperationRunQuery":{"bulkOperation":{"id":%q,"status":"CREATED"},"userErrors":[]}}}`, queryOpID)
	case "BulkRunMutation":
		return fmt.Sprintf(`{"data":{"bulkOperationRunMutation":{"bulkOperation":{"id":%q,"status":"CREATED","url":null},"userErrors":[]}}}`, mutateOpID)
	case "BulkCancel":
		return fmt.Sprintf(`{"data":{"bulkOperationCancel":{"bulkOperation":{"id":%q,"status":"CANCELING"},"userErrors":[]}}}`, req.Variables["id"])
	case "StagedUploadsCreate":
		s.mu.Lock()
		params, _ := json.Marshal(s.params)
		s.mu.Unlock()
		return fmt.Sprintf(`{"data":{"stagedUploadsCreate":{"stagedTargets":[{"url":%q,"resourceUrl":null,"parameters":%s}],"userErrors":[]}}}`,
			s.srv.URL+"/upload", params)
	case "BulkOperationById":
		id, _ := req.Variables["id"].(string)
		status := s.nextStatus(id)
		url := "null"
		if status == "COMPLETED" {
			url = fmt.Sprintf("%q", s.srv.URL+resultsPath)
		}
		return fmt.Sprintf(`{"data":{"node":{"id":%q,"status":%q,"errorCode":null,"objectCount":"3","url":%s,"partialDataUrl":null}}}`, id, status, url)
	}
	s.t.Errorf("unexpected operation %s", op)
	return `{"errors":[{"message":"unexpected operation"}]}`
}

func (s *fakeShop) nextStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.statuses[id]
	if len(seq) == 0 {
		return "COMPLETED"
	}
	status := seq[0]
	if len(seq) > 1 {
		s.statuses[id] = seq[1:]
	}
	return status
}

func (s *fakeShop) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.count()
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !assert.NoError(s.t, err) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rec := &uploadRecord{fields: make(map[string]string)}
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if !assert.NoError(s.t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, err := io.ReadAll(part)
		if !assert.NoError(s.t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		rec.fieldOrder = append(rec.fieldOrder, part.FormName())
		if part.FileName() != "" {
			rec.fileName = part.FileName()
			rec.fileType = part.Header.Get("Content-Type")
			rec.file = string(b)
			continue
		}
		rec.fields[part.FormName()] = string(b)
	}

	s.mu.Lock()
	s.upload = rec
	status := s.uploadErr
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>Invalid according to Policy</Message></Error>`)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type fixture struct {
	shop   *fakeShop
	clock  *clock.Fake
	locker *lock.MemoryLocker
	jobs   *JobClient
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	shop := newFakeShop(t)
	fc := clock.NewFake(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC))

	policy := retry.DefaultPolicy()
	policy.Jitter = func(time.Duration) time.Duration { return 0 }
	gql, err := graphql.NewClient(graphql.Config{
		AccessToken: "shpat_test",
		Endpoint:    shop.srv.URL + "/admin/api/2024-10/graphql.json",
		RateLimit:   1000,
		RateBurst:   100,
		Retry:       policy,
	}, nil, graphql.WithClock(fc))
	require.NoError(t, err)

	locker := lock.NewMemoryLocker(fc, nil)
	jobs, err := NewJobClient(gql, locker, JobConfig{ShopDomain: testShop}, nil, append([]Option{WithClock(fc)}, opts...)...)
	require.NoError(t, err)

	return &fixture{shop: shop, clock: fc, locker: locker, jobs: jobs}
}

func (f *fixture) lockHeld() bool {
	return f.locker.Held(lock.KeyForShop(testShop))
}

func jsonl(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
