package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ansel1/merry"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

const (
	// headerCacheState 告知客户端本次请求的缓存状态。
	headerCacheState = "X-Any-Cache"
	// readBufferSize 是捕获上游响应体时单个 DATA 块的大小。
	readBufferSize = 32 << 10
)

// Handler 负责 cache 模式的全流程：命中回放、回源捕获、旁路转发与 PURGE。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	window int
}

// NewHandler constructs a cache-mode handler with the shared HTTP client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		window: defaultWindow,
	}
}

// Handle 执行缓存查找、回源捕获与回放逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()

	if method == server.MethodPurge {
		return h.purge(c, route, requestID, started)
	}
	if method != http.MethodGet {
		return h.forward(c, route, requestID, started, engine.StateBypass)
	}

	key, err := buildKey(c, route, method)
	if err != nil {
		h.logger.WithFields(routeFields(route, "", requestID)).WithError(err).Warn("cache_key_failed")
		return h.forward(c, route, requestID, started, engine.StateBypass)
	}

	ctx := engine.NewCtx(key, route.Rule)
	defer ctx.Release()

	state := route.Engine.Exists(ctx)
	switch {
	case state.Hit():
		return h.serveHit(c, route, ctx, requestID, started)
	case state == engine.StateWait:
		return h.forward(c, route, requestID, started, state)
	}
	return h.fetchAndCapture(c, route, ctx, requestID, started)
}

// serveHit 回放命中的缓存；条件请求与已存 ETag/Last-Modified 匹配时返回 304。
func (h *Handler) serveHit(c fiber.Ctx, route *server.Route, ctx *engine.Ctx, requestID string, started time.Time) error {
	state := ctx.State
	c.Set(headerCacheState, state.String())
	setRequestIDHeader(c, requestID)

	if notModified(c, ctx) {
		h.logResult(route, "", requestID, fiber.StatusNotModified, state, started, nil)
		return c.SendStatus(fiber.StatusNotModified)
	}

	reader, err := route.Engine.Hit(ctx)
	if err != nil {
		h.logResult(route, "", requestID, 0, state, started, err)
		return h.fetchAndCapture(c, route, ctx, requestID, started)
	}
	err = serve(reader, newFiberSink(c, h.window))
	h.logResult(route, "", requestID, c.Response().StatusCode(), state, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("cache replay failed: %v", err))
	}
	return nil
}

func notModified(c fiber.Ctx, ctx *engine.Ctx) bool {
	if inm := c.Get(fiber.HeaderIfNoneMatch); inm != "" && ctx.ETag != "" {
		return inm == ctx.ETag
	}
	if ims := c.Get(fiber.HeaderIfModifiedSince); ims != "" && ctx.LastModified != "" {
		return ims == ctx.LastModified
	}
	return false
}

// fetchAndCapture 回源并在响应可缓存时边转发边写入引擎。
func (h *Handler) fetchAndCapture(c fiber.Ctx, route *server.Route, ctx *engine.Ctx, requestID string, started time.Time) error {
	resp, upstreamURL, err := h.executeRequest(c, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, engine.StateBypass, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	msg, err := responseHead(resp)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, engine.StateBypass, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_header_invalid")
	}

	state := engine.StateBypass
	if isCacheableStatus(resp.StatusCode) {
		state = route.Engine.Create(ctx, msg)
	}

	writeHead(c, msg.Head())
	c.Set(headerCacheState, captureLabel(state))
	setRequestIDHeader(c, requestID)

	if state != engine.StateCreate {
		_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, state, started, err)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
		}
		return nil
	}

	if err := h.capture(c, route, ctx, resp, msg.Chunked); err != nil {
		route.Engine.Abort(ctx)
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, ctx.State, started, err)
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}

	if err := route.Engine.Finish(ctx); err != nil {
		h.logger.WithFields(routeFields(route, ctx.State.String(), requestID)).
			WithField("http_code", merry.HTTPCode(err)).
			Warn("cache_store_failed")
	}
	h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, engine.StateCreate, started, nil)
	return nil
}

// capture 按块读取上游响应体，转发给客户端的同时交给引擎保存。
func (h *Handler) capture(c fiber.Ctx, route *server.Route, ctx *engine.Ctx, resp *http.Response, chunked bool) error {
	out := c.Response().BodyWriter()
	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := chunk.NewMessage(chunk.Data(buf[:n]))
			route.Engine.Update(ctx, data, 0, n)
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if !chunked {
		return nil
	}
	tail, err := responseTail(resp)
	if err != nil {
		return err
	}
	route.Engine.Update(ctx, tail, 0, tail.Len())
	return nil
}

// purge 删除当前 URL 对应的 GET 缓存条目。
func (h *Handler) purge(c fiber.Ctx, route *server.Route, requestID string, started time.Time) error {
	key, err := buildKey(c, route, http.MethodGet)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_key")
	}
	setRequestIDHeader(c, requestID)

	err = route.Engine.Delete(key)
	h.logResult(route, "", requestID, merry.HTTPCode(err), engine.StateDone, started, nil)
	if err != nil {
		return h.writeError(c, merry.HTTPCode(err), "not_found")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "purged"})
}

// forward 旁路转发请求，不读写缓存。
func (h *Handler) forward(c fiber.Ctx, route *server.Route, requestID string, started time.Time, state engine.State) error {
	resp, upstreamURL, err := h.executeRequest(c, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, state, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheState, captureLabel(state))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, state, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, state, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) executeRequest(c fiber.Ctx, route *server.Route) (*http.Response, *url.URL, error) {
	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := h.buildUpstreamRequest(c, upstreamURL, route)
	if err != nil {
		return nil, upstreamURL, err
	}
	resp, err := h.client.Do(req)
	return resp, upstreamURL, err
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, route *server.Route) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del(fiber.HeaderIfNoneMatch)
	req.Header.Del(fiber.HeaderIfModifiedSince)
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.Route,
	upstream string,
	requestID string,
	status int,
	state engine.State,
	started time.Time,
	err error,
) {
	fields := routeFields(route, state.String(), requestID)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildKey 按路由规则的 key 组件构造缓存 key，method 由调用方指定。
func buildKey(c fiber.Ctx, route *server.Route, method string) (cachekey.Key, error) {
	uri := c.Request().URI()
	src := cachekey.Source{
		Method: method,
		Scheme: c.Scheme(),
		Host:   c.Hostname(),
		URI:    string(c.Request().RequestURI()),
		Path:   string(uri.Path()),
		Query:  string(uri.QueryString()),
		Header: func(name string) string { return c.Get(name) },
		Cookie: func(name string) string { return c.Cookies(name) },
		Param:  func(name string) string { return c.Query(name) },
		Body:   c.Body(),
	}
	return cachekey.Build(route.Rule.Key, src)
}

// captureLabel 输出旁路或写入时的响应头取值。
func captureLabel(state engine.State) string {
	if state == engine.StateCreate {
		return "MISS"
	}
	return state.String()
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := path.Clean("/" + string(uri.Path()))
	relative := &url.URL{Path: clean, RawPath: clean}
	if q := uri.QueryString(); len(q) > 0 {
		relative.RawQuery = string(q)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.Route) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
