package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-cache/internal/config"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/housekeeper"
	"github.com/any-hub/any-cache/internal/logging"
	"github.com/any-hub/any-cache/internal/proxy"
	"github.com/any-hub/any-cache/internal/server"
	"github.com/any-hub/any-cache/internal/server/routes"
	"github.com/any-hub/any-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintln(stdOut, version.Full())
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = len(cfg.Routes)
		fields["modes"] = config.RouteModes(cfg.Routes)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 引擎 → RouteRegistry → Fiber server + 后台维护。
	// 任一引擎创建失败即退出，不会带着残缺的存储对外服务。
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engines, err := buildEngines(cfg, logger, reg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}
	defer closeEngines(engines, logger)

	registry, err := server.NewRouteRegistry(cfg, engines)
	if err != nil {
		fmt.Fprintf(stdErr, "构建路由注册表失败: %v\n", err)
		return 1
	}

	keeper := housekeeper.New(cfg.Global.Housekeeping.DurationValue(), logger)
	for mode, eng := range engines {
		keeper.Add(eng, quotaFor(cfg.EngineFor(mode)))
	}

	httpClient := server.NewUpstreamClient(cfg)
	forwarder := proxy.NewForwarder(
		proxy.NewHandler(httpClient, logger),
		proxy.NewNoSQLHandler(logger),
		logger,
	)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["routes"] = len(cfg.Routes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["modes"] = config.RouteModes(cfg.Routes)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, registry, forwarder, keeper, reg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(config.EnvConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// buildEngines 为每个启用的模式创建一个引擎。
func buildEngines(cfg *config.Config, logger *logrus.Logger, reg prometheus.Registerer) (server.Engines, error) {
	engines := make(server.Engines, 2)
	sections := []struct {
		mode    string
		engMode engine.Mode
		section config.EngineConfig
	}{
		{config.ModeCache, engine.ModeCache, cfg.Cache},
		{config.ModeNoSQL, engine.ModeNoSQL, cfg.NoSQL},
	}

	for _, s := range sections {
		if !s.section.Enabled {
			continue
		}
		eng, err := engine.New(engine.Options{
			Name:       s.mode,
			Mode:       s.engMode,
			DictSize:   s.section.DictSize,
			DataSize:   s.section.DataSize,
			BlockSize:  s.section.BlockSize,
			Root:       s.section.Root,
			Logger:     logger,
			Registerer: reg,
		})
		if err != nil {
			closeEngines(engines, logger)
			return nil, err
		}
		engines[s.mode] = eng
		logger.WithFields(logging.EngineFields(s.mode, s.section.DictSize, s.section.DataSize, s.section.Root)).
			Info("引擎已创建")
	}

	if len(engines) == 0 {
		return nil, errors.New("no engine enabled")
	}
	return engines, nil
}

func closeEngines(engines server.Engines, logger *logrus.Logger) {
	for mode, eng := range engines {
		if err := eng.Close(); err != nil {
			logger.WithError(err).WithField("engine", mode).Warn("引擎关闭失败")
		}
	}
}

func quotaFor(e config.EngineConfig) housekeeper.Quota {
	return housekeeper.Quota{
		DictCleaner: e.DictCleaner,
		DataCleaner: e.DataCleaner,
		DiskCleaner: e.DiskCleaner,
		DiskLoader:  e.DiskLoader,
		DiskSaver:   e.DiskSaver,
	}
}

// serve 并行运行 HTTP 服务与后台维护，ctx 取消后优雅关闭两者。
func serve(ctx context.Context, cfg *config.Config, registry *server.RouteRegistry, proxyHandler server.ProxyHandler, keeper *housekeeper.Housekeeper, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, registry, gatherer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return keeper.Run(gctx)
	})
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.WithField("action", "shutdown").Info("服务停止中")
		return app.Shutdown()
	})
	return g.Wait()
}
