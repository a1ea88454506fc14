package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/upstream"
	"github.com/any-hub/asset-hub/internal/worker"
)

// RequestHandler 是单个站点的拦截入口，由 *worker.Worker 实现。
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *http.Request) (*http.Response, worker.Outcome, string, error)
}

// Handler 把 Fiber 请求还原为 origin 空间的 *http.Request，交给站点 Worker 处理，
// 再把结果写回客户端。
type Handler struct {
	site   RequestHandler
	logger *logrus.Logger
}

// NewHandler constructs a Fiber-facing handler for one site.
func NewHandler(site RequestHandler, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{site: site, logger: logger}
}

// Handle 实现 server.ProxyHandler。网络失败时返回 502 upstream_failed。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := server.RequestStarted(c)
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildOriginRequest(ctx, c, route)
	if err != nil {
		h.logResult(route, c, requestID, "", "", 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, outcome, generation, err := h.site.HandleRequest(ctx, req)
	if err != nil {
		h.logResult(route, c, requestID, generation, string(outcome), 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Asset-Hub-Cache", string(outcome))
	if generation != "" {
		c.Set("X-Asset-Hub-Generation", generation)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		h.logResult(route, c, requestID, generation, string(outcome), resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, c, requestID, generation, string(outcome), resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildOriginRequest 以站点 origin 为基准重建请求地址：路径与查询串原样保留。
func buildOriginRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute) (*http.Request, error) {
	if route == nil || route.OriginURL == nil {
		return nil, errors.New("site route without origin")
	}
	rawURI := string(c.Request().RequestURI())
	if rawURI == "" {
		rawURI = "/"
	}
	parsed, err := url.ParseRequestURI(rawURI)
	if err != nil {
		return nil, err
	}

	target := *route.OriginURL
	target.Path = parsed.Path
	target.RawPath = parsed.RawPath
	target.RawQuery = parsed.RawQuery
	target.Fragment = ""
	if target.Path == "" {
		target.Path = "/"
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	c fiber.Ctx,
	requestID string,
	generation string,
	outcome string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, generation, outcome)
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["path"] = string(c.Request().URI().Path())
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传响应头；Content-Length 交由 fasthttp 按正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
