// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound request to relay a single remote image.
type ProxyRequest struct {
	Ctx context.Context
	URL string // fully-qualified target, taken verbatim from the url query parameter
}

// ProxyResponse is an origin response to be streamed back to the caller.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	ContentType   string // resolved by the service; empty until then
	ContentLength int64  // -1 when the origin did not report one
	Body          io.ReadCloser
}
