package middleware

import (
	"net/http"
	"time"

	"goshopify_bulk/metrics"
)

// instrumentedTransport wraps an http.RoundTripper and records request
// metrics under a fixed endpoint label. Full URLs are not used as labels
// because staged upload and result URLs are unique per request.
type instrumentedTransport struct {
	next     http.RoundTripper
	endpoint string
}

// PrometheusTransport records metrics for every request sent through next.
func PrometheusTransport(next http.RoundTripper, endpoint string) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &instrumentedTransport{next: next, endpoint: endpoint}
}

func (t *instrumentedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.next.RoundTrip(r)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.RecordRequest(r.Method, t.endpoint, status, time.Since(start))
	return resp, err
}
