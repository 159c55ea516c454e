package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/dict"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch strings.ToLower(g.LogFormat) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.Housekeeping.DurationValue() <= 0 {
		return newFieldError("Global.Housekeeping", "必须大于 0")
	}

	if err := validateEngine("Cache", c.Cache); err != nil {
		return err
	}
	if err := validateEngine("NoSQL", c.NoSQL); err != nil {
		return err
	}

	if len(c.Routes) == 0 {
		return errors.New("至少需要配置一个 Route")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError(routeField("", i, "Name"), "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, i, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := validateDomain(route.Domain); err != nil {
			return wrapFieldError(routeField(route.Name, i, "Domain"), err)
		}
		domain := strings.ToLower(route.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(routeField(route.Name, i, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		switch route.Mode {
		case ModeCache:
			if !c.Cache.Enabled {
				return newFieldError(routeField(route.Name, i, "Mode"), "Cache 引擎未启用")
			}
			if err := validateUpstream(route.Upstream); err != nil {
				return wrapFieldError(routeField(route.Name, i, "Upstream"), err)
			}
		case ModeNoSQL:
			if !c.NoSQL.Enabled {
				return newFieldError(routeField(route.Name, i, "Mode"), "NoSQL 引擎未启用")
			}
		default:
			return newFieldError(routeField(route.Name, i, "Mode"), "仅支持 cache/nosql")
		}

		disk, err := dict.ParseDiskMode(route.Disk)
		if err != nil {
			return newFieldError(routeField(route.Name, i, "Disk"), "仅支持 off/on/sync")
		}
		if disk != dict.DiskOff && c.EngineFor(route.Mode).Root == "" {
			return newFieldError(routeField(route.Name, i, "Disk"), "引擎未配置 Root，无法落盘")
		}
		if !route.MemoryOn() && disk == dict.DiskOff {
			return newFieldError(routeField(route.Name, i, "Memory"), "内存与磁盘不能同时关闭")
		}
		if _, err := parseExtend(route.Extend); err != nil {
			return wrapFieldError(routeField(route.Name, i, "Extend"), err)
		}
		if err := cachekey.ValidateSpec(route.Key); err != nil {
			return wrapFieldError(routeField(route.Name, i, "Key"), err)
		}
	}

	return nil
}

func validateEngine(section string, e EngineConfig) error {
	if !e.Enabled {
		return nil
	}
	if e.DictSize <= 0 {
		return newFieldError(engineField(section, "DictSize"), "必须大于 0")
	}
	if e.DataSize <= 0 {
		return newFieldError(engineField(section, "DataSize"), "必须大于 0")
	}
	if e.BlockSize < 64 {
		return newFieldError(engineField(section, "BlockSize"), "不能小于 64")
	}
	for field, v := range map[string]int{
		"DictCleaner": e.DictCleaner,
		"DataCleaner": e.DataCleaner,
		"DiskCleaner": e.DiskCleaner,
		"DiskLoader":  e.DiskLoader,
		"DiskSaver":   e.DiskSaver,
	} {
		if v < 0 {
			return newFieldError(engineField(section, field), "不能为负数")
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
