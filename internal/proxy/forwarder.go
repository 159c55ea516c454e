package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/server"
)

// Forwarder 根据路由模式选择对应的 ProxyHandler（cache 或 nosql），
// 并把 handler 内的 panic 转换为 500 响应。
type Forwarder struct {
	handlers map[string]server.ProxyHandler
	logger   *logrus.Logger
}

// NewForwarder 创建 Forwarder，任一 handler 为空时对应模式的请求返回 500。
func NewForwarder(cache, nosql server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	handlers := make(map[string]server.ProxyHandler, 2)
	if cache != nil {
		handlers[config.ModeCache] = cache
	}
	if nosql != nil {
		handlers[config.ModeNoSQL] = nosql
	}
	return &Forwarder{handlers: handlers, logger: logger}
}

// Handle 实现 server.ProxyHandler，根据 route.Config.Mode 选择 handler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	handler := f.lookup(route)
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.Route, requestID string) error {
	f.logHandlerError(route, "mode_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "mode_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	f.logHandlerError(route, "mode_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "mode_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.Route, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, "", requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("mode handler unavailable")
}

func (f *Forwarder) lookup(route *server.Route) server.ProxyHandler {
	if route == nil {
		return nil
	}
	return f.handlers[route.Config.Mode]
}

// routeFields 输出路由维度的日志字段，route 为空时字段置空。
func routeFields(route *server.Route, state, requestID string) logrus.Fields {
	if route == nil {
		return logging.RequestFields("", "", "", state, requestID)
	}
	return logging.RequestFields(route.Config.Name, route.Config.Domain, route.Config.Mode, state, requestID)
}
