// Package service implements the core image relay logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"referer-proxy-go/internal/client"
	"referer-proxy-go/internal/config"
	"referer-proxy-go/internal/model"
)

// DefaultContentType is used when the origin does not report a content type.
const DefaultContentType = "image/jpeg"

// maxDrainBytes caps how much of a rejected origin body is read before closing,
// so the connection can be reused for small error pages.
const maxDrainBytes = 64 * 1024

var (
	// ErrMissingURL is returned when the request carries no target URL.
	ErrMissingURL = errors.New("query parameter 'url' is required")

	// ErrFetchFailed wraps transport-level failures reaching the origin.
	ErrFetchFailed = errors.New("failed to fetch remote image")
)

// UpstreamStatusError reports an origin response with a non-2xx status.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// ProxyService fetches remote images through the shared origin client.
type ProxyService struct {
	client *client.OriginClient
	probe  bool
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.OriginClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		probe:  cfg.Upstream.Probe,
		logger: logger.With("component", "proxy_service"),
	}
}

// Fetch issues the origin GET for pr.URL and returns the streaming response.
// The caller is responsible for closing the response body.
//
// When probing is enabled a HEAD request goes out first; its content type is
// used if the GET response does not carry one. Probe failures are ignored.
func (s *ProxyService) Fetch(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := strings.TrimSpace(pr.URL)
	if target == "" {
		return nil, ErrMissingURL
	}

	var probed string
	if s.probe {
		probed = s.probeContentType(pr, target)
	}

	resp, err := s.client.Do(pr.Ctx, http.MethodGet, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		discard(resp.Body)
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
	}

	resp.ContentType = resolveContentType(resp.Header.Get("Content-Type"), probed)
	return resp, nil
}

// probeContentType returns the content type reported by a HEAD request, or
// empty if the probe failed or the origin did not report one.
func (s *ProxyService) probeContentType(pr *model.ProxyRequest, target string) string {
	resp, err := s.client.Do(pr.Ctx, http.MethodHead, target)
	if err != nil {
		s.logger.Debug("probe failed", "err", err)
		return ""
	}
	discard(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("probe rejected", "status", resp.StatusCode)
		return ""
	}
	return resp.Header.Get("Content-Type")
}

// resolveContentType picks the first well-formed candidate, falling back to DefaultContentType.
func resolveContentType(candidates ...string) string {
	for _, ct := range candidates {
		ct = strings.TrimSpace(ct)
		if ct == "" {
			continue
		}
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			continue
		}
		return ct
	}
	return DefaultContentType
}

// discard drains a bounded amount of body and closes it.
func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}
