package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves a request for a resolved site. It allows injecting fake
// handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// DiagnosticsPrefix 是诊断接口的保留路径前缀，任何站点的资源都不会落在其下。
const DiagnosticsPrefix = "/-"

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
	// Diagnostics 在 /-/ 分组上注册诊断路由。这些路由不做 Host 解析，任意 Host 都可访问。
	Diagnostics func(fiber.Router)
}

const contextKeyRequest = "_assethub_request"

// requestState 是中间件为单个请求写入 Locals 的上下文。
type requestState struct {
	id      string
	started time.Time
	route   *SiteRoute
}

// NewApp builds the Fiber application. Requests are split into two spaces:
// /-/ diagnostics, and site traffic routed by Host to the site's ProxyHandler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		AppName:       "asset-hub",
	})

	app.Use(recover.New())
	app.Use(requestStateMiddleware())

	diagnostics := app.Group(DiagnosticsPrefix)
	if opts.Diagnostics != nil {
		opts.Diagnostics(diagnostics)
	}
	diagnostics.All("/*", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "diagnostics_not_found"})
	})

	app.All("/*", siteMiddleware(opts), func(c fiber.Ctx) error {
		route, _ := RouteFromContext(c)
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestStateMiddleware 为每个请求分配 ID 并记录开始时间，诊断请求同样带 X-Request-ID。
func requestStateMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := uuid.NewString()
		BindRequest(c, id)
		c.Set("X-Request-ID", id)
		return c.Next()
	}
}

// BindRequest 为 c 写入请求上下文。直接调用 ProxyHandler、未经过 NewApp 中间件时使用。
func BindRequest(c fiber.Ctx, id string) {
	c.Locals(contextKeyRequest, &requestState{id: id, started: time.Now()})
}

// siteMiddleware 按 Host/Host:port 解析站点。命中后响应带 X-Asset-Hub-Site，
// 未命中时直接返回 404，不会进入任何站点的缓存。
func siteMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}
		if state := stateFromContext(c); state != nil {
			state.route = route
		}
		c.Set("X-Asset-Hub-Site", route.Config.Name)
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Asset-Hub-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func stateFromContext(c fiber.Ctx) *requestState {
	state, _ := c.Locals(contextKeyRequest).(*requestState)
	return state
}

// RouteFromContext returns the SiteRoute resolved by the site middleware.
func RouteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	state := stateFromContext(c)
	if state == nil || state.route == nil {
		return nil, false
	}
	return state.route, true
}

// RequestID returns the request identifier assigned on entry.
func RequestID(c fiber.Ctx) string {
	if state := stateFromContext(c); state != nil {
		return state.id
	}
	return ""
}

// RequestStarted 返回请求进入时记录的时间，未经过中间件时返回当前时间。
func RequestStarted(c fiber.Ctx) time.Time {
	if state := stateFromContext(c); state != nil {
		return state.started
	}
	return time.Now()
}
