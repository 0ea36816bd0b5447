// Package client provides the shared outbound HTTP client used to reach image origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"referer-proxy-go/internal/config"
	"referer-proxy-go/internal/model"
)

// ErrClosed is returned by Do once Close has been called.
var ErrClosed = errors.New("origin client closed")

// OriginClient is the process-wide outbound connection pool. Every request it
// sends carries the same fixed header set, including the Referer override.
type OriginClient struct {
	httpClient   *http.Client
	transport    *http.Transport
	header       http.Header
	maxRedirects int
	timeout      time.Duration
	logger       *slog.Logger

	// slots bounds the number of outbound requests in flight, counting a
	// request as in flight until its response body is closed.
	slots    *semaphore.Weighted
	maxSlots int64

	// done is canceled when Close gives up waiting and tears down in-flight requests.
	done  context.Context
	abort context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
func NewOriginClient(cfg *config.Config, logger *slog.Logger) *OriginClient {
	up := cfg.Upstream

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        up.IdleConnections,
		MaxIdleConnsPerHost: up.IdleConnections,
		MaxConnsPerHost:     up.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: up.ConnectTimeout(),
		ForceAttemptHTTP2:   true,
		// Relay origin bytes untouched; no transparent gzip decoding.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   up.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	header := make(http.Header)
	header.Set("Referer", up.Referer)
	header.Set("User-Agent", up.UserAgent)

	maxSlots := int64(up.MaxConnections)
	if maxSlots < 1 {
		maxSlots = 1
	}

	done, abort := context.WithCancel(context.Background())

	c := &OriginClient{
		transport:    transport,
		header:       header,
		maxRedirects: up.MaxRedirects,
		timeout:      up.Timeout(),
		logger:       logger.With("component", "origin_client"),
		slots:        semaphore.NewWeighted(maxSlots),
		maxSlots:     maxSlots,
		done:         done,
		abort:        abort,
	}
	c.httpClient = &http.Client{
		Transport:     transport,
		Timeout:       up.Timeout(),
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Do sends one request with the fixed header set and returns the raw response.
// The caller must close the response body; closing it returns the borrowed
// connection slot. The context controls the lifetime of the upstream request.
func (c *OriginClient) Do(ctx context.Context, method, rawURL string) (*model.ProxyResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := c.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire connection slot: %w", err)
	}
	if c.closed.Load() {
		c.slots.Release(1)
		return nil, ErrClosed
	}

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.done, cancel)
	release := func() {
		stop()
		cancel()
		c.slots.Release(1)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		release()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = c.header.Clone()

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		release()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	c.logger.Debug("upstream response",
		"method", method,
		"host", req.URL.Host,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &slotBody{ReadCloser: resp.Body, release: release},
	}, nil
}

// Close releases the connection pool. It runs once: later calls return the
// first result. Close waits for borrowed slots to be returned until ctx is
// done, then cancels whatever is still in flight and closes idle connections.
func (c *OriginClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.logger.Info("closing origin connection pool")

		if err := c.slots.Acquire(ctx, c.maxSlots); err != nil {
			c.closeErr = fmt.Errorf("wait for in-flight upstream requests: %w", err)
			c.logger.Warn("tearing down in-flight upstream requests", "err", err)
		} else {
			c.slots.Release(c.maxSlots)
		}
		c.abort()
		c.transport.CloseIdleConnections()
	})
	return c.closeErr
}

// acquire borrows one connection slot, waiting at most the overall timeout.
func (c *OriginClient) acquire(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.slots.Acquire(ctx, 1)
}

// checkRedirect follows up to maxRedirects hops and re-applies the fixed
// header set on each of them.
func (c *OriginClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.maxRedirects {
		return fmt.Errorf("stopped after %d redirects", c.maxRedirects)
	}
	for key, vals := range c.header {
		req.Header[key] = append([]string(nil), vals...)
	}
	return nil
}

// slotBody returns its connection slot the first time it is closed.
type slotBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *slotBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
