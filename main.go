package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/mediahub/internal/cache"
	"github.com/any-hub/mediahub/internal/config"
	"github.com/any-hub/mediahub/internal/extractor"
	"github.com/any-hub/mediahub/internal/logging"
	"github.com/any-hub/mediahub/internal/media"
	"github.com/any-hub/mediahub/internal/proxypool"
	"github.com/any-hub/mediahub/internal/requester"
	"github.com/any-hub/mediahub/internal/resolver"
	"github.com/any-hub/mediahub/internal/server"
	"github.com/any-hub/mediahub/internal/server/routes"
	"github.com/any-hub/mediahub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// configEnvVar 可覆盖默认配置路径，优先级低于 --config。
const configEnvVar = "MEDIAHUB_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	code := 0
	cmd := newRootCommand(func(opts cliOptions) {
		code = run(opts)
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(code)
}

// newRootCommand 构建 cobra 根命令，解析完成后把选项交给 runner。
func newRootCommand(runner func(cliOptions)) *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:           "mediahub",
		Short:         "Proxy-rotating, cache-backed media download service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			runner(opts)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	flags.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	return cmd
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var parsed cliOptions
	cmd := newRootCommand(func(opts cliOptions) {
		parsed = opts
	})
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return parsed, nil
}

// resolveConfigPath 按 flag > 环境变量 > ./config.toml 的顺序选择配置文件；
// 默认文件不存在时返回空字符串，仅使用默认值与环境变量。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	if _, err := os.Stat("config.toml"); err == nil {
		return "config.toml"
	}
	return ""
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
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
		for k, v := range cfg.Summary() {
			fields[k] = v
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存 → 代理池 → Requester → Resolver/Fetcher → Fiber server，
	// 所有组件共享同一份配置与 logger。
	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range cfg.Summary() {
		fields[k] = v
	}
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// services 汇总 HTTP 层需要的已装配组件。
type services struct {
	store     cache.Store
	pool      *proxypool.Pool
	requester *requester.Requester
	resolver  *resolver.Resolver
	fetcher   *media.Fetcher
}

func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	store, err := cache.NewStore(cfg.Global.CacheDir, cache.Options{
		MaxBytes: cfg.Global.MaxCacheSize.Bytes(),
		Policy:   cfg.Global.EvictionPolicy,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	// 上限调小后重启时，已有条目可能超过新上限。
	for _, ns := range cache.Namespaces() {
		if err := store.EnforceSizeBound(context.Background(), ns); err != nil {
			return nil, fmt.Errorf("缓存容量校正失败: %w", err)
		}
	}

	directClient := server.NewDirectClient(cfg)
	pool, err := proxypool.New(proxypool.Options{
		ListURL:        cfg.Proxy.ListURL,
		Scheme:         cfg.Proxy.Scheme,
		ProbeURL:       cfg.Proxy.ProbeURL,
		ProbeTimeout:   cfg.Proxy.ProbeTimeout.DurationValue(),
		ConnectTimeout: cfg.Proxy.ConnectTimeout.DurationValue(),
		Client:         directClient,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化代理池失败: %w", err)
	}

	req := requester.New(requester.Options{
		Proxies: pool,
		Direct:  directClient,
		Policy: requester.RetryPolicy{
			MaxAttempts:         cfg.Proxy.RequestAttempts,
			Backoff:             cfg.Proxy.RetryBackoff.DurationValue(),
			AllowDirectFallback: cfg.Proxy.AllowDirectFallback,
		},
		ValidateAttempts: cfg.Proxy.ValidateAttempts,
		ConnectTimeout:   cfg.Proxy.ConnectTimeout.DurationValue(),
		ReadTimeout:      cfg.Proxy.ReadTimeout.DurationValue(),
		Logger:           logger,
	})

	res, err := resolver.New(resolver.Options{
		SearchAPI: cfg.Global.SearchAPI,
		Getter:    req,
		CacheTTL:  cfg.Global.ResolveCacheTTL.DurationValue(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化解析器失败: %w", err)
	}

	fetcher, err := media.NewFetcher(media.Options{
		Store:             store,
		Extractor:         extractor.NewYTDLP(cfg.Extractor.Binary, logger),
		Transcoder:        extractor.NewFFmpeg(cfg.Extractor.FFmpegBinary, logger),
		Proxies:           pool,
		Logger:            logger,
		UseProxy:          cfg.Extractor.UseProxy,
		ValidateAttempts:  cfg.Proxy.ValidateAttempts,
		CookieFile:        cfg.Extractor.CookieFile,
		SocketTimeout:     cfg.Extractor.SocketTimeout.DurationValue(),
		ExtractTimeout:    cfg.Extractor.Timeout.DurationValue(),
		MaxVideoHeight:    cfg.Extractor.MaxVideoHeight,
		ConvertAudioToMP3: cfg.Extractor.ConvertAudioToMP3,
		AudioBitrate:      cfg.Extractor.AudioBitrate,
		MaxConcurrent:     int64(cfg.Global.MaxConcurrentFetches),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化下载器失败: %w", err)
	}

	return &services{store: store, pool: pool, requester: req, resolver: res, fetcher: fetcher}, nil
}

func startHTTPServer(cfg *config.Config, svc *services, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:            logger,
		ListenPort:        port,
		RequestsPerSecond: cfg.Global.RequestsPerSecond,
		Burst:             cfg.Global.Burst,
	})
	if err != nil {
		return err
	}
	routes.RegisterMediaRoutes(app, routes.MediaDeps{
		Resolver: svc.resolver,
		Fetcher:  svc.fetcher,
		Logger:   logger,
	})
	routes.RegisterDiagnosticsRoutes(app, svc.store)
	routes.RegisterProxyDiagnostics(app, svc.pool, svc.requester)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
