package models

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goshopify_bulk/internal/shopify/apierr"
)

func TestStatusLifecycle(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusRunning, StatusCanceling} {
		assert.True(t, s.Valid(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled, StatusExpired} {
		assert.True(t, s.Valid(), s)
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusCompleted.IsFailure())
	assert.True(t, StatusExpired.IsFailure())

	assert.False(t, Status("completed").Valid(), "status values are case-sensitive")
	assert.False(t, Status("PAUSED").Valid())
}

func TestBulkOperationUnmarshalsGraphQLShape(t *testing.T) {
	raw := `{
		"id": "gid://shopify/BulkOperation/42",
		"status": "COMPLETED",
		"errorCode": null,
		"objectCount": "1250",
		"url": "https://storage.example.com/result.jsonl",
		"partialDataUrl": null
	}`

	var op BulkOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))

	want := BulkOperation{
		ID:          "gid://shopify/BulkOperation/42",
		Status:      StatusCompleted,
		URL:         "https://storage.example.com/result.jsonl",
		ObjectCount: 1250,
	}
	if diff := cmp.Diff(want, op); diff != "" {
		t.Fatalf("unexpected operation (-want +got):\n%s", diff)
	}
}

func TestBulkOperationObjectCountTolerance(t *testing.T) {
	cases := map[string]int64{
		`{"id":"1","status":"RUNNING","objectCount":"oops"}`: 0,
		`{"id":"1","status":"RUNNING","objectCount":17}`:     17,
		`{"id":"1","status":"RUNNING"}`:                      0,
	}
	for raw, want := range cases {
		var op BulkOperation
		require.NoError(t, json.Unmarshal([]byte(raw), &op))
		assert.Equal(t, want, op.ObjectCount, raw)
	}
}

func TestStagedUploadPath(t *testing.T) {
	target := StagedTarget{
		URL: "https://uploads.example.com/",
		Parameters: []StagedUploadParameter{
			{Name: "Content-Type", Value: "text/jsonl"},
			{Name: "key", Value: "tmp/123/bulk_op_vars"},
		},
	}
	path, err := target.StagedUploadPath()
	require.NoError(t, err)
	assert.Equal(t, "tmp/123/bulk_op_vars", path)

	_, err = StagedTarget{URL: "https://uploads.example.com/"}.StagedUploadPath()
	var consistency *apierr.ApiConsistencyError
	assert.ErrorAs(t, err, &consistency)
}

func TestChangeSetLineShape(t *testing.T) {
	title := "Summer Linen Shirt"

	tests := []struct {
		name string
		in   ProductUpdateInput
		want string
	}{
		{
			name: "tags and partial seo",
			in:   ProductUpdateInput{ID: "gid://shopify/Product/1", Tags: []string{"beta", "gamma"}, SEO: &ProductSEO{Title: &title}},
			want: `{"product":{"id":"gid://shopify/Product/1","tags":["beta","gamma"],"seo":{"title":"Summer Linen Shirt"}}}`,
		},
		{
			name: "empty resolved tag set is sent",
			in:   ProductUpdateInput{ID: "gid://shopify/Product/2", Tags: []string{}},
			want: `{"product":{"id":"gid://shopify/Product/2","tags":[]}}`,
		},
		{
			name: "unresolved tags and empty seo are omitted",
			in:   ProductUpdateInput{ID: "gid://shopify/Product/3", SEO: &ProductSEO{}},
			want: `{"product":{"id":"gid://shopify/Product/3"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(ChangeSetLine{Product: tt.in})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
			assert.NotContains(t, string(b), "null")
		})
	}
}

func TestSpecTagIntent(t *testing.T) {
	assert.False(t, ProductUpdateSpec{ProductID: "p"}.HasTagIntent())
	assert.True(t, ProductUpdateSpec{ProductID: "p", TagsAdd: []string{"a"}}.HasTagIntent())
	assert.True(t, ProductUpdateSpec{ProductID: "p", TagsFull: []string{}}.HasTagIntent())
}
