package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

func TestEncodeRoutesSortsAndDescribesRule(t *testing.T) {
	upstream, _ := url.Parse("https://example.org")
	routes := []server.Route{
		{
			Config:      config.RouteConfig{Name: "b", Domain: "b.local", Mode: config.ModeCache},
			Rule:        &dict.Rule{Disk: dict.DiskSync, TTL: 60},
			UpstreamURL: upstream,
		},
		{
			Config: config.RouteConfig{Name: "a", Domain: "a.local", Mode: config.ModeNoSQL},
			Rule:   &dict.Rule{Memory: true},
		},
	}

	encoded := encodeRoutes(routes)
	if len(encoded) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(encoded))
	}
	if encoded[0].Name != "a" {
		t.Fatalf("expected sorted route a first, got %s", encoded[0].Name)
	}
	if !encoded[0].Memory || encoded[0].Disk != "off" || encoded[0].Upstream != "" {
		t.Fatalf("unexpected payload for a: %+v", encoded[0])
	}
	if !encoded[1].Memory || encoded[1].Disk != "sync" || encoded[1].TTLSeconds != 60 {
		t.Fatalf("sync 规则应视为内存开启: %+v", encoded[1])
	}
	if encoded[1].Upstream != "https://example.org" {
		t.Fatalf("expected upstream, got %s", encoded[1].Upstream)
	}
}

func TestDiagnosticsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Name:       "cache",
		DictSize:   16 << 10,
		DataSize:   64 << 10,
		BlockSize:  64,
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Routes: []config.RouteConfig{
			{Name: "site", Domain: "site.local", Mode: config.ModeCache, Upstream: "https://example.org", Disk: "off"},
			{Name: "mirror", Domain: "mirror.local", Mode: config.ModeCache, Upstream: "https://example.com", Disk: "off"},
		},
	}
	registry, err := server.NewRouteRegistry(cfg, server.Engines{config.ModeCache: eng})
	if err != nil {
		t.Fatalf("创建路由表失败: %v", err)
	}

	app := fiber.New()
	RegisterDiagnostics(app, registry, reg)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/stats", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Engines []engine.Stats `json:"engines"`
		Routes  []routePayload `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析 stats 失败: %v", err)
	}
	if len(payload.Engines) != 1 || payload.Engines[0].Name != "cache" {
		t.Fatalf("共享引擎应只输出一次: %+v", payload.Engines)
	}
	if len(payload.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(payload.Routes))
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "anycache_dict_entries") {
		t.Fatalf("metrics 输出缺少引擎指标: %s", body)
	}
}
