package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusTransportForwardsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: PrometheusTransport(nil, "test")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPrometheusTransportPassesErrorsThrough(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	rt := PrometheusTransport(RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	}), "test")

	req := httptest.NewRequest(http.MethodPost, "http://example.invalid/graphql.json", nil)
	resp, err := rt.RoundTrip(req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, boom)
}
