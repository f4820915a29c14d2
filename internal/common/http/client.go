// internal/common/http/client.go

// Package http builds the outbound clients used to reach the generation
// worker and the purchase authority. Both services are polled repeatedly,
// so connections are pooled rather than redialed per request.
package http

import (
	"net/http"
	"time"
)

// New returns an HTTP client with a bounded overall timeout and a small
// keep-alive pool sized for a handful of remote endpoints.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
