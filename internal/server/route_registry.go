package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/engine"
)

// Route 聚合路由配置与派生属性（解析后的规则、引擎与上游 URL），
// 供代理层直接复用，避免重复解析配置。
type Route struct {
	// Config 是 config.toml 中声明的路由字段副本。
	Config config.RouteConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// Rule 是交给引擎的只读规则，所有请求共享。
	Rule *dict.Rule
	// Engine 是处理该路由模式的引擎实例。
	Engine *engine.Engine
	// UpstreamURL 仅 cache 模式存在。
	UpstreamURL *url.URL
}

// Engines 按模式（cache/nosql）索引已创建的引擎。
type Engines map[string]*engine.Engine

// RouteRegistry 提供 Host/Host:port 到 Route 的查询能力，所有路由共享同一个监听端口。
type RouteRegistry struct {
	routes  map[string]*Route
	ordered []*Route
}

// NewRouteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewRouteRegistry(cfg *config.Config, engines Engines) (*RouteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &RouteRegistry{
		routes: make(map[string]*Route, len(cfg.Routes)),
	}

	for _, rc := range cfg.Routes {
		normalizedHost := normalizeDomain(rc.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for route %s", rc.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildRoute(cfg, rc, engines)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 Route。
func (r *RouteRegistry) Lookup(host string) (*Route, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 Route 列表（按配置定义的顺序），用于诊断输出。
func (r *RouteRegistry) List() []Route {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]Route, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildRoute(cfg *config.Config, rc config.RouteConfig, engines Engines) (*Route, error) {
	eng, ok := engines[rc.Mode]
	if !ok || eng == nil {
		return nil, fmt.Errorf("route %s: engine %s is not running", rc.Name, rc.Mode)
	}

	rule, err := rc.Rule()
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", rc.Name, err)
	}

	route := &Route{
		Config:     rc,
		ListenPort: cfg.Global.ListenPort,
		Rule:       rule,
		Engine:     eng,
	}

	if !rc.IsNoSQL() {
		upstreamURL, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for route %s: %w", rc.Name, err)
		}
		route.UpstreamURL = upstreamURL
	}

	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
