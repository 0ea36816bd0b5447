package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"referer-proxy-go/internal/config"
	"referer-proxy-go/internal/model"
	"referer-proxy-go/internal/service"
)

const (
	// cacheControl marks relayed images as cacheable by browsers for a year.
	cacheControl = "public, max-age=31536000, immutable"

	// HeaderXProxy identifies a response as served by this proxy.
	HeaderXProxy = "X-Proxy"
)

// ProxyHandler relays remote images requested via GET /proxy?url=...
type ProxyHandler struct {
	service    *service.ProxyService
	proxyName  string
	chunkBytes int
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	chunk := cfg.Server.ChunkBytes
	if chunk <= 0 {
		chunk = 32 * 1024
	}
	return &ProxyHandler{
		service:    svc,
		proxyName:  cfg.Server.ProxyName,
		chunkBytes: chunk,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the url query parameter from its origin and streams the image back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	pr := &model.ProxyRequest{
		Ctx: c.Request().Context(),
		URL: c.QueryParam("url"),
	}

	resp, err := h.service.Fetch(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, resp.ContentType)
	header.Set("Cache-Control", cacheControl)
	header.Set(HeaderXProxy, h.proxyName)
	if enc := resp.Header.Get(echo.HeaderContentEncoding); enc != "" {
		header.Set(echo.HeaderContentEncoding, enc)
	}
	if resp.ContentLength >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(http.StatusOK)

	// Once the status is sent a failed relay can only truncate the body, so
	// the error is logged rather than returned.
	if n, err := h.relay(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"bytes_relayed", n,
		)
	}

	return nil
}

// relay copies body to w one chunk at a time, flushing after every chunk so
// bytes reach the caller as soon as the origin delivers them.
func (h *ProxyHandler) relay(w *echo.Response, body io.Reader) (int64, error) {
	buf := make([]byte, h.chunkBytes)
	var written int64
	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			w.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingURL) {
		h.logger.Debug("rejected request without url")
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": service.ErrMissingURL.Error(),
		})
	}

	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		h.logger.Warn("upstream rejected request", "status", statusErr.StatusCode)
		code := statusErr.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return c.JSON(code, map[string]string{
			"error": statusErr.Error(),
		})
	}

	h.logger.Error("proxy error", "err", err)

	if isTimeout(err) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":  service.ErrFetchFailed.Error(),
			"detail": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":  service.ErrFetchFailed.Error(),
			"detail": "upstream host unreachable",
		})
	}

	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": service.ErrFetchFailed.Error(),
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
