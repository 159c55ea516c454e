package server

import (
	"testing"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/engine"
)

func TestRouteRegistryLookupByHost(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Routes[0].TTL = config.Duration(60 * 1e9)
	cfg.Routes[0].ETag = true

	engines := testEngines(t)
	registry, err := NewRouteRegistry(cfg, engines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("site.local")
	if !ok {
		t.Fatalf("expected site route")
	}
	if route.Config.Name != "site" {
		t.Errorf("wrong route returned: %s", route.Config.Name)
	}
	if route.Engine != engines[config.ModeCache] {
		t.Errorf("cache 路由应绑定 cache 引擎")
	}
	if route.Rule.TTL != 60 || !route.Rule.ETag || route.Rule.Disk != dict.DiskOff {
		t.Errorf("规则解析错误: %+v", route.Rule)
	}
	if route.UpstreamURL == nil || route.UpstreamURL.Host != "example.org" {
		t.Fatalf("upstream 未解析: %v", route.UpstreamURL)
	}

	kv, ok := registry.Lookup("KV.local:5000")
	if !ok {
		t.Fatalf("host:port 与大小写应被规范化")
	}
	if kv.Engine.Mode() != engine.ModeNoSQL {
		t.Errorf("nosql 路由应绑定 nosql 引擎")
	}
	if kv.UpstreamURL != nil {
		t.Errorf("nosql 路由不应解析 upstream")
	}

	if list := registry.List(); len(list) != 2 || list[0].Config.Name != "site" {
		t.Fatalf("List 应按配置顺序返回: %+v", list)
	}
}

func TestRouteRegistryRejectsMissingEngine(t *testing.T) {
	cfg := testConfig(5000)
	engines := testEngines(t)
	delete(engines, config.ModeNoSQL)

	if _, err := NewRouteRegistry(cfg, engines); err == nil {
		t.Fatalf("引擎缺失时应报错")
	}
}

func TestRouteRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Routes[1].Domain = "Site.Local."

	if _, err := NewRouteRegistry(cfg, testEngines(t)); err == nil {
		t.Fatalf("重复域名应报错")
	}
}
