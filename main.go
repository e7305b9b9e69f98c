package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/cache"
	"github.com/any-hub/img-hub/internal/config"
	"github.com/any-hub/img-hub/internal/downloader"
	"github.com/any-hub/img-hub/internal/logging"
	"github.com/any-hub/img-hub/internal/manager"
	"github.com/any-hub/img-hub/internal/server"
	"github.com/any-hub/img-hub/internal/version"
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
		fields["s3"] = cfg.S3.Enabled()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序固定：配置 → 缓存两级 → 下载器 → Manager → Fiber server，
	// 保证所有请求共享同一套缓存与传输池。
	mgr, notifier, err := buildManager(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer mgr.Cache().Disk().Close()
	defer mgr.Downloader().Close()

	go cleanupLoop(mgr, cfg.Global.CleanupInterval.DurationValue(), logger)
	config.WatchFile(opts.configPath, notifier, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["s3"] = cfg.S3.Enabled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, mgr, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildManager 按配置装配两级缓存、下载器与 Manager，并把内存层
// 接到配置热更新通道上。
func buildManager(cfg *config.Config, logger *logrus.Logger) (*manager.Manager, *config.Notifier, error) {
	memory := cache.NewMemoryStore(cache.MemoryStoreOptions{
		MaxCost:          cfg.Global.MaxMemoryCost,
		MaxCount:         cfg.Global.MaxMemoryCount,
		AutoTrimInterval: cfg.Global.AutoTrimInterval.DurationValue(),
		Logger:           logger,
	})

	var (
		disk cache.DiskTier
		err  error
	)
	if cfg.S3.Enabled() {
		disk, err = cache.NewS3Store(cache.S3StoreOptions{
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
			Bucket:          cfg.S3.Bucket,
			Namespace:       cfg.Global.CacheNamespace,
			MaxAge:          cfg.Global.MaxCacheAge.DurationValue(),
			MaxSize:         cfg.Global.MaxCacheSize,
			Logger:          logger,
		})
	} else {
		disk, err = cache.NewDiskStore(cache.DiskStoreOptions{
			Root:          cfg.Global.StoragePath,
			Namespace:     cfg.Global.CacheNamespace,
			MaxAge:        cfg.Global.MaxCacheAge.DurationValue(),
			MaxSize:       cfg.Global.MaxCacheSize,
			DisableBackup: cfg.Global.ShouldDisableBackup,
			Logger:        logger,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	tiered := cache.New(cache.CacheOptions{
		Memory:        memory,
		Disk:          disk,
		CacheInMemory: cfg.Global.ShouldCacheInMemory,
		Logger:        logger,
	})

	dl := downloader.New(downloader.DownloaderOptions{
		MaxConcurrent: cfg.Global.MaxConcurrentDownloads,
		Timeout:       cfg.Global.DownloadTimeout.DurationValue(),
		Logger:        logger,
	})

	notifier := &config.Notifier{}
	notifier.Subscribe(memory)
	notifier.Subscribe(config.SubscriberFunc(func(change config.Change) {
		if change.Field != config.FieldMaxConcurrentDownloads {
			return
		}
		if v, ok := change.Value.(int); ok {
			dl.SetMaxConcurrent(v)
		}
	}))

	mgr := manager.New(manager.ManagerOptions{
		Cache:      tiered,
		Downloader: dl,
		Logger:     logger,
	})
	return mgr, notifier, nil
}

// cleanupLoop 周期性触发磁盘层清理。
func cleanupLoop(mgr *manager.Manager, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := mgr.Cache().Disk().Cleanup(); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"action": "disk_cleanup",
			}).Warn("磁盘清理失败")
		}
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("img-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMG_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMG_HUB_CONFIG")
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

func startHTTPServer(cfg *config.Config, mgr *manager.Manager, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:            logger,
		Manager:           mgr,
		RequestsPerSecond: cfg.Global.RequestsPerSecond,
		RequestBurst:      cfg.Global.RequestBurst,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
