package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 可覆盖默认配置文件路径，优先级低于 -config 参数。
const EnvConfigPath = "ANY_CACHE_CONFIG"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyEngineDefaults(&cfg.Cache)
	applyEngineDefaults(&cfg.NoSQL)
	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, engine := range []*EngineConfig{&cfg.Cache, &cfg.NoSQL} {
		if engine.Root == "" {
			continue
		}
		abs, err := filepath.Abs(engine.Root)
		if err != nil {
			return nil, fmt.Errorf("无法解析磁盘目录: %w", err)
		}
		engine.Root = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Housekeeping", "100ms")

	v.SetDefault("Cache.Enabled", true)
	v.SetDefault("NoSQL.Enabled", false)
	for _, section := range []string{"Cache", "NoSQL"} {
		v.SetDefault(section+".DictSize", 1<<20)
		v.SetDefault(section+".DataSize", 16<<20)
		v.SetDefault(section+".BlockSize", 256)
		v.SetDefault(section+".DictCleaner", 1000)
		v.SetDefault(section+".DataCleaner", 1000)
		v.SetDefault(section+".DiskCleaner", 100)
		v.SetDefault(section+".DiskLoader", 100)
		v.SetDefault(section+".DiskSaver", 100)
	}
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.Housekeeping.DurationValue() == 0 {
		g.Housekeeping = Duration(100 * time.Millisecond)
	}
}

func applyEngineDefaults(e *EngineConfig) {
	if e.BlockSize == 0 {
		e.BlockSize = 256
	}
	e.Root = strings.TrimSpace(e.Root)
}

func applyRouteDefaults(r *RouteConfig) {
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	if r.Mode == "" {
		r.Mode = ModeCache
	}
	r.Disk = strings.ToLower(strings.TrimSpace(r.Disk))
	if r.Disk == "" {
		r.Disk = "off"
	}
	if r.TTL.DurationValue() < 0 {
		r.TTL = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
