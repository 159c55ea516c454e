package proxy

import (
	"net/http"
	"time"

	"github.com/ansel1/merry"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

// NoSQLHandler 把 nosql 路由映射为键值操作：GET 读取，POST 写入（覆盖），DELETE 删除。
type NoSQLHandler struct {
	logger *logrus.Logger
	window int
}

// NewNoSQLHandler constructs the nosql-mode handler.
func NewNoSQLHandler(logger *logrus.Logger) *NoSQLHandler {
	return &NoSQLHandler{logger: logger, window: defaultWindow}
}

// Handle 实现 server.ProxyHandler。key 中的 method 组件固定为 GET，
// 保证同一 URL 的读、写、删命中同一条目。
func (h *NoSQLHandler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)
	setRequestIDHeader(c, requestID)

	key, err := buildKey(c, route, http.MethodGet)
	if err != nil {
		h.logResult(route, requestID, fiber.StatusBadRequest, engine.StateInit, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}

	switch c.Method() {
	case http.MethodGet, http.MethodHead:
		ctx := engine.NewCtx(key, route.Rule)
		defer ctx.Release()
		return h.get(c, route, ctx, requestID, started)
	case http.MethodPost:
		ctx := engine.NewCtx(key, route.Rule)
		defer ctx.Release()
		return h.post(c, route, ctx, requestID, started)
	case http.MethodDelete:
		err := route.Engine.Delete(key)
		status := merry.HTTPCode(err)
		h.logResult(route, requestID, status, engine.StateDone, started, nil)
		return c.SendStatus(status)
	default:
		h.logResult(route, requestID, fiber.StatusMethodNotAllowed, engine.StateBypass, started, nil)
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	}
}

func (h *NoSQLHandler) get(c fiber.Ctx, route *server.Route, ctx *engine.Ctx, requestID string, started time.Time) error {
	state := route.Engine.Exists(ctx)
	if !state.Hit() {
		h.logResult(route, requestID, fiber.StatusNotFound, state, started, nil)
		return c.SendStatus(fiber.StatusNotFound)
	}

	reader, err := route.Engine.Hit(ctx)
	if err != nil {
		h.logResult(route, requestID, merry.HTTPCode(err), state, started, err)
		return c.SendStatus(merry.HTTPCode(err))
	}
	c.Set(headerCacheState, state.String())
	err = serve(reader, newFiberSink(c, h.window))
	h.logResult(route, requestID, c.Response().StatusCode(), state, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return nil
}

// post 写入请求体：CREATE/UPDATE 时写入并发布，FULL 返回 507，其它失败返回 500。
func (h *NoSQLHandler) post(c fiber.Ctx, route *server.Route, ctx *engine.Ctx, requestID string, started time.Time) error {
	msg, err := requestMessage(c)
	if err != nil {
		h.logResult(route, requestID, fiber.StatusBadRequest, engine.StateInit, started, err)
		return c.SendStatus(fiber.StatusBadRequest)
	}

	state := route.Engine.Create(ctx, msg)
	switch state {
	case engine.StateCreate, engine.StateUpdate:
	case engine.StateFull:
		h.logResult(route, requestID, fiber.StatusInsufficientStorage, state, started, nil)
		return c.SendStatus(fiber.StatusInsufficientStorage)
	default:
		h.logResult(route, requestID, fiber.StatusInternalServerError, state, started, nil)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	head := msg.HeadLen()
	route.Engine.Update(ctx, msg, head, msg.Len()-head)
	if err := route.Engine.Finish(ctx); err != nil {
		status := merry.HTTPCode(err)
		h.logResult(route, requestID, status, ctx.State, started, err)
		return c.SendStatus(status)
	}

	h.logResult(route, requestID, fiber.StatusOK, state, started, nil)
	return c.SendStatus(fiber.StatusOK)
}

func (h *NoSQLHandler) logResult(route *server.Route, requestID string, status int, state engine.State, started time.Time, err error) {
	fields := routeFields(route, state.String(), requestID)
	fields["action"] = "nosql"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("nosql_failed")
		return
	}
	h.logger.WithFields(fields).Info("nosql_complete")
}
