package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
Housekeeping = "boom"

[[Route]]
Name = "site"
Domain = "site.local"
Mode = "cache"
Upstream = "https://example.org"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadReadsPathFromEnv(t *testing.T) {
	cfg := `
[[Route]]
Name = "site"
Domain = "site.local"
Upstream = "https://example.org"
TTL = 30
`
	t.Setenv(EnvConfigPath, writeTempConfig(t, cfg))

	loaded, err := Load("")
	if err != nil {
		t.Fatalf("应从环境变量读取配置: %v", err)
	}
	if loaded.Routes[0].Mode != ModeCache {
		t.Fatalf("Mode 默认应为 cache, got %s", loaded.Routes[0].Mode)
	}
	if loaded.Routes[0].TTL.DurationValue().Seconds() != 30 {
		t.Fatalf("整数 TTL 应按秒解析")
	}
	if loaded.NoSQL.Enabled {
		t.Fatalf("NoSQL 引擎默认应关闭")
	}
}

func TestLoadSyncRouteWithRoot(t *testing.T) {
	cfg := `
[Cache]
Root = "{{root}}"
DiskSaver = 5

[[Route]]
Name = "site"
Domain = "site.local"
Upstream = "https://example.org"
Disk = "sync"
Extend = [255]
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("带 Root 的 sync 路由应通过校验: %v", err)
	}
	if loaded.Cache.DiskSaver != 5 || loaded.Cache.DiskLoader == 0 {
		t.Fatalf("显式配额应保留，其余应取默认值: %+v", loaded.Cache)
	}

	rule, err := loaded.Routes[0].Rule()
	if err != nil {
		t.Fatalf("解析规则失败: %v", err)
	}
	if !rule.MemoryOn() || rule.DiskOn() || rule.Extend[0] != 0xFF {
		t.Fatalf("sync 规则应先写内存并关闭续期: %+v", rule)
	}
}
