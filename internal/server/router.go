package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ansel1/merry"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves a request that has already been resolved to a route.
// The cache and nosql handlers implement it, tests inject recorders.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions 描述单个监听端口上的 Fiber 应用。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *RouteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	// MethodPurge 删除 cache 路由上的一个缓存条目。
	MethodPurge = "PURGE"

	// HeaderRequestID 在请求与响应之间传递请求 ID。
	HeaderRequestID = "X-Request-ID"

	contextKeyRoute     = "_anycache_route"
	contextKeyRequestID = "_anycache_request_id"
	diagnosticsPrefix   = "/-/"
)

// NewApp 组装 Fiber 应用：panic 恢复、请求 ID、Host 路由，未命中路由时返回 host_unmapped。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("route registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:  true,
		ServerHeader:   "any-cache",
		RequestMethods: append(append([]string(nil), fiber.DefaultMethods...), MethodPurge),
		ErrorHandler:   errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(routeMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		route, ok := getRouteFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestIDMiddleware 沿用客户端传入的合法 UUID，否则生成新的请求 ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(HeaderRequestID))
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(HeaderRequestID, reqID)
		return c.Next()
	}
}

// routeMiddleware 按 Host/Host:port 查找 Route，诊断路径不参与路由。
func routeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}

		host := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, host, opts.ListenPort)
		}
		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

// errorHandler 把处理链返回的错误统一渲染为 JSON：fiber.Error 用自身状态码，其余取 merry 携带的 HTTP 码（默认 500）。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := merry.HTTPCode(err)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		fields := logrus.Fields{
			"action":     "request_error",
			"path":       c.Path(),
			"status":     code,
			"request_id": RequestID(c),
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(fields).WithError(err).Error("request failed")
		} else {
			logger.WithFields(fields).WithError(err).Debug("request rejected")
		}

		// 已开始写入的响应体（例如捕获中途失败）不再覆盖。
		if len(c.Response().Body()) > 0 {
			return nil
		}
		return c.Status(code).JSON(fiber.Map{
			"error":      err.Error(),
			"request_id": RequestID(c),
		})
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Any-Cache-Host", host)
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

func getRouteFromContext(c fiber.Ctx) (*Route, bool) {
	route, ok := c.Locals(contextKeyRoute).(*Route)
	return route, ok && route != nil
}

// RequestID 返回中间件为当前请求分配的 ID。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, diagnosticsPrefix)
}
