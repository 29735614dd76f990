package metrics

import (
	"strings"
	"time"
)

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.safeExecute("RecordHTTPRequest", func() {
		status := categorizeStatus(statusCode)
		m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	})
}

func categorizeStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// ShouldSkipEndpoint reports whether path is excluded from HTTP metrics.
// Probes, the scrape endpoint and the long-lived socket upgrade are skipped.
func ShouldSkipEndpoint(path string) bool {
	return path == "/metrics" ||
		strings.HasSuffix(path, "/health") ||
		strings.HasSuffix(path, "/ready") ||
		strings.HasSuffix(path, "/ws")
}
