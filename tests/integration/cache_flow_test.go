package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/housekeeper"
	"github.com/any-hub/any-cache/internal/proxy"
	"github.com/any-hub/any-cache/internal/server"
)

const cacheStateHeader = "X-Any-Cache"

// stack 组装与 main 相同的请求链路：registry → forwarder → cache/nosql handler。
type stack struct {
	app     *fiber.App
	engines server.Engines
	keeper  *housekeeper.Housekeeper
}

func newStack(t *testing.T, cfg *config.Config, engines server.Engines) *stack {
	t.Helper()
	registry, err := server.NewRouteRegistry(cfg, engines)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	logger := quietLogger()
	forwarder := proxy.NewForwarder(
		proxy.NewHandler(server.NewUpstreamClient(cfg), logger),
		proxy.NewNoSQLHandler(logger),
		logger,
	)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	keeper := housekeeper.New(time.Hour, logger)
	for _, eng := range engines {
		keeper.Add(eng, housekeeper.Quota{
			DictCleaner: 100,
			DataCleaner: 100,
			DiskCleaner: 10,
			DiskLoader:  10,
			DiskSaver:   10,
		})
	}
	return &stack{app: app, engines: engines, keeper: keeper}
}

func (s *stack) do(t *testing.T, method, host, path string, body io.Reader, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+path, body)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func siteConfig(upstream, disk string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Routes: []config.RouteConfig{
			{
				Name:         "site",
				Domain:       "site.cache.local",
				Mode:         config.ModeCache,
				Upstream:     upstream,
				Disk:         disk,
				TTL:          config.Duration(time.Minute),
				LastModified: true,
			},
		},
	}
}

func TestCacheFlowMissHitAndPurge(t *testing.T) {
	upstream := newUpstreamStub(t)
	cfg := siteConfig(upstream.URL, "off")
	s := newStack(t, cfg, server.Engines{config.ModeCache: newTestEngine(t, engine.ModeCache, "")})

	resp, body := s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.StatusCode != fiber.StatusOK || body != "origin v1" {
		t.Fatalf("unexpected miss response: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get(cacheStateHeader); got != "MISS" {
		t.Fatalf("expected MISS, got %s", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	upstream.UpdateBody([]byte("origin v2"))
	resp, body = s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.Header.Get(cacheStateHeader) != "HIT_MEMORY" || body != "origin v1" {
		t.Fatalf("expected cached v1 from memory, got %s %q", resp.Header.Get(cacheStateHeader), body)
	}

	lastModified := resp.Header.Get("Last-Modified")
	resp, _ = s.do(t, http.MethodGet, "site.cache.local", "/page", nil, map[string]string{"If-Modified-Since": lastModified})
	if resp.StatusCode != fiber.StatusNotModified {
		t.Fatalf("expected 304 for matching Last-Modified, got %d", resp.StatusCode)
	}

	resp, _ = s.do(t, server.MethodPurge, "site.cache.local", "/page", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("purge failed: %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.Header.Get(cacheStateHeader) != "MISS" || body != "origin v2" {
		t.Fatalf("purge should force refetch, got %s %q", resp.Header.Get(cacheStateHeader), body)
	}
	if upstream.Hits("/page") != 2 {
		t.Fatalf("expected 2 upstream fetches, got %d", upstream.Hits("/page"))
	}
}

func TestCacheFlowNonCacheableStatusBypasses(t *testing.T) {
	upstream := newUpstreamStub(t)
	cfg := siteConfig(upstream.URL, "off")
	s := newStack(t, cfg, server.Engines{config.ModeCache: newTestEngine(t, engine.ModeCache, "")})

	for i := 0; i < 2; i++ {
		resp, _ := s.do(t, http.MethodGet, "site.cache.local", "/missing", nil, nil)
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected upstream 404, got %d", resp.StatusCode)
		}
	}
	if upstream.Hits("/missing") != 2 {
		t.Fatalf("404 responses must not be cached")
	}
}

func TestCacheFlowSyncSurvivesRestart(t *testing.T) {
	upstream := newUpstreamStub(t)
	root := t.TempDir()
	cfg := siteConfig(upstream.URL, "sync")

	first := newTestEngine(t, engine.ModeCache, root)
	s := newStack(t, cfg, server.Engines{config.ModeCache: first})

	resp, _ := s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.Header.Get(cacheStateHeader) != "MISS" {
		t.Fatalf("expected MISS on first fetch")
	}

	var saved int
	for _, report := range s.keeper.Tick() {
		saved += report.DiskSaver
	}
	if saved == 0 {
		t.Fatalf("housekeeping should persist the sync entry")
	}
	_ = first.Close()

	second := newTestEngine(t, engine.ModeCache, root)
	s = newStack(t, cfg, server.Engines{config.ModeCache: second})

	resp, body := s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.Header.Get(cacheStateHeader) != "HIT_DISK" || body != "origin v1" {
		t.Fatalf("expected disk hit after restart, got %s %q", resp.Header.Get(cacheStateHeader), body)
	}

	for i := 0; i < 5 && !second.DiskLoaded(); i++ {
		s.keeper.Tick()
	}
	if !second.DiskLoaded() {
		t.Fatalf("disk loader should finish within a few ticks")
	}
	resp, body = s.do(t, http.MethodGet, "site.cache.local", "/page", nil, nil)
	if resp.Header.Get(cacheStateHeader) != "HIT_DISK" || body != "origin v1" {
		t.Fatalf("loaded entry should still be served from disk, got %s %q", resp.Header.Get(cacheStateHeader), body)
	}
	if upstream.Hits("/page") != 1 {
		t.Fatalf("restart must not refetch, got %d upstream hits", upstream.Hits("/page"))
	}
}

func TestNoSQLFlowThroughRouter(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Routes: []config.RouteConfig{
			{Name: "kv", Domain: "kv.cache.local", Mode: config.ModeNoSQL},
		},
	}
	s := newStack(t, cfg, server.Engines{config.ModeNoSQL: newTestEngine(t, engine.ModeNoSQL, "")})

	resp, _ := s.do(t, http.MethodPost, "kv.cache.local", "/users/1", strings.NewReader("alice"), map[string]string{"Content-Type": "text/plain"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("set failed: %d", resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodGet, "kv.cache.local", "/users/1", nil, nil)
	if resp.StatusCode != fiber.StatusOK || body != "alice" {
		t.Fatalf("get failed: %d %q", resp.StatusCode, body)
	}

	resp, _ = s.do(t, http.MethodGet, "kv.cache.local", "/users/2", nil, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown key should be 404, got %d", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodDelete, "kv.cache.local", "/users/1", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete failed: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "kv.cache.local", "/users/1", nil, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("deleted key should be 404, got %d", resp.StatusCode)
	}
}
