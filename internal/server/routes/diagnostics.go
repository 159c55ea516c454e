package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

// RegisterDiagnostics 暴露 /-/stats 与 /-/metrics 诊断接口，供 SRE 查询引擎容量与路由绑定关系。
func RegisterDiagnostics(app *fiber.App, registry *server.RouteRegistry, gatherer prometheus.Gatherer) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		routes := registry.List()
		return c.JSON(fiber.Map{
			"engines": encodeEngines(routes),
			"routes":  encodeRoutes(routes),
		})
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

type routePayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Mode       string `json:"mode"`
	Engine     string `json:"engine"`
	Port       int    `json:"port"`
	Memory     bool   `json:"memory"`
	Disk       string `json:"disk"`
	TTLSeconds uint32 `json:"ttl_seconds"`
	Upstream   string `json:"upstream,omitempty"`
}

// encodeEngines 对路由引用的引擎去重后输出状态快照，按名称排序。
func encodeEngines(routes []server.Route) []engine.Stats {
	seen := make(map[*engine.Engine]struct{}, 2)
	var result []engine.Stats
	for _, route := range routes {
		if route.Engine == nil {
			continue
		}
		if _, ok := seen[route.Engine]; ok {
			continue
		}
		seen[route.Engine] = struct{}{}
		result = append(result, route.Engine.Stats())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func encodeRoutes(routes []server.Route) []routePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]routePayload, 0, len(routes))
	for _, route := range routes {
		item := routePayload{
			Name:   route.Config.Name,
			Domain: route.Config.Domain,
			Mode:   route.Config.Mode,
			Port:   route.ListenPort,
		}
		if route.Engine != nil {
			item.Engine = route.Engine.Name()
		}
		if route.Rule != nil {
			item.Memory = route.Rule.MemoryOn()
			item.Disk = route.Rule.Disk.String()
			item.TTLSeconds = route.Rule.TTL
		}
		if route.UpstreamURL != nil {
			item.Upstream = route.UpstreamURL.String()
		}
		result = append(result, item)
	}
	return result
}
