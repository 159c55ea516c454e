package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("未指定级别时应默认为 info, got %s", logger.GetLevel())
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("未知日志级别应返回错误")
	}
}

func TestInitLoggerSelectsFormatter(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogFormat: "text"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("LogFormat=text 时应使用 TextFormatter, got %T", logger.Formatter)
	}

	logger, err = InitLogger(config.GlobalConfig{})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("默认应使用 JSONFormatter, got %T", logger.Formatter)
	}

	if _, err := InitLogger(config.GlobalConfig{LogFormat: "xml"}); err == nil {
		t.Fatalf("未知日志格式应返回错误")
	}
}

func TestEngineFieldsOmitsRootWhenDiskDisabled(t *testing.T) {
	fields := EngineFields("cache", 1024, 4096, "")
	if _, ok := fields["disk_root"]; ok {
		t.Fatalf("未启用磁盘时不应输出 disk_root")
	}
	if fields["disk"] != false {
		t.Fatalf("disk 字段应为 false")
	}
	fields = EngineFields("cache", 1024, 4096, "/var/cache")
	if fields["disk_root"] != "/var/cache" {
		t.Fatalf("应输出 disk_root")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "any-cache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "any-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}
