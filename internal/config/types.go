package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有路由共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	// LogFormat 为 json（默认）或 text。
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// Housekeeping 是后台维护的 tick 间隔。
	Housekeeping    Duration `mapstructure:"Housekeeping"`
}

// EngineConfig 描述一个模式（cache 或 nosql）的引擎容量与维护配额。
type EngineConfig struct {
	Enabled   bool   `mapstructure:"Enabled"`
	DictSize  int    `mapstructure:"DictSize"`
	DataSize  int    `mapstructure:"DataSize"`
	BlockSize int    `mapstructure:"BlockSize"`
	Root      string `mapstructure:"Root"`

	DictCleaner int `mapstructure:"DictCleaner"`
	DataCleaner int `mapstructure:"DataCleaner"`
	DiskCleaner int `mapstructure:"DiskCleaner"`
	DiskLoader  int `mapstructure:"DiskLoader"`
	DiskSaver   int `mapstructure:"DiskSaver"`
}

// RouteConfig 把一个 Host 映射到某个引擎，并给出该路由的缓存规则。
type RouteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Mode     string `mapstructure:"Mode"`
	Upstream string `mapstructure:"Upstream"`
	// Memory 为空时默认开启。
	Memory       *bool    `mapstructure:"Memory"`
	Disk         string   `mapstructure:"Disk"`
	TTL          Duration `mapstructure:"TTL"`
	Extend       []int    `mapstructure:"Extend"`
	ETag         bool     `mapstructure:"ETag"`
	LastModified bool     `mapstructure:"LastModified"`
	Key          []string `mapstructure:"Key"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Cache  EngineConfig  `mapstructure:"Cache"`
	NoSQL  EngineConfig  `mapstructure:"NoSQL"`
	Routes []RouteConfig `mapstructure:"Route"`
}

const (
	// ModeCache 是普通响应缓存路由。
	ModeCache = "cache"
	// ModeNoSQL 是显式读写的 nosql 路由。
	ModeNoSQL = "nosql"
)

// MemoryOn 返回路由是否把响应写入内存。
func (r RouteConfig) MemoryOn() bool {
	return r.Memory == nil || *r.Memory
}

// IsNoSQL 表示路由是否由 nosql 引擎处理。
func (r RouteConfig) IsNoSQL() bool {
	return r.Mode == ModeNoSQL
}

// RouteModes 返回所有路由的模式摘要，例如 site:cache，供启动日志使用。
func RouteModes(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.Mode)
	}
	return result
}

// EngineFor 返回某个模式对应的引擎配置。
func (c *Config) EngineFor(mode string) EngineConfig {
	if mode == ModeNoSQL {
		return c.NoSQL
	}
	return c.Cache
}
