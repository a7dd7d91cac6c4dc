// Package cmd contains the flowprobe command line interface implementation
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/els0r/goProbe/v4/pkg/api"
	"github.com/els0r/goProbe/v4/pkg/capture"
	"github.com/els0r/goProbe/v4/pkg/conf"
	"github.com/els0r/goProbe/v4/pkg/export"
	"github.com/els0r/goProbe/v4/pkg/plugin"
	"github.com/els0r/goProbe/v4/pkg/scanner"
	"github.com/els0r/goProbe/v4/pkg/stats"
	"github.com/els0r/goProbe/v4/pkg/version"
	"github.com/els0r/goProbe/v4/pkg/worker"
	"github.com/els0r/telemetry/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	gpconf "github.com/els0r/goProbe/v4/cmd/goProbe/config"
)

const shutdownGracePeriod = 30 * time.Second

var defaultRequestDurationHistogramBins = []float64{0.01, 0.05, 0.1, 0.25, 1, 5, 10, 30, 60, 300}

// Execute runs the flowprobe root command.
func Execute() error {
	rootCmd, err := newRootCmd(run)
	if err != nil {
		return err
	}

	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.Execute()
}

// runFunc is the type of the function that is called when the root command is executed. It's defined
// mainly for testing purposes
type runFunc func(ctx context.Context, cfg *gpconf.Config) error

func newRootCmd(run runFunc) (*cobra.Command, error) {
	cfg := gpconf.New()

	rootCmd := &cobra.Command{
		Use:   "flowprobe",
		Short: "flowprobe captures network traffic and exports flow records via NetFlow/IPFIX",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(cfg); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return initLogging()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	if err := registerFlags(rootCmd, cfg); err != nil {
		return nil, fmt.Errorf("failed to register flags: %w", err)
	}

	return rootCmd, nil
}

const (
	exportKey                = "export"
	flagExportVersion        = exportKey + ".version"
	flagExportCollectors     = exportKey + ".collectors"
	flagExportTransport      = exportKey + ".transport"
	flagExportTemplate       = exportKey + ".template"
	flagExportSendInterval   = exportKey + ".send_interval"
	flagExportTemplateResend = exportKey + ".template_retransmit_every"
	flagExportMinFlows       = exportKey + ".min_flows_per_packet"
	flagExportMaxFlows       = exportKey + ".max_flows_per_packet"
	flagExportScanInterval   = exportKey + ".scan_interval"
	flagExportIdleTimeout    = exportKey + ".idle_timeout"
	flagExportMaxLifetime    = exportKey + ".max_lifetime"
	flagExportNumShards      = exportKey + ".num_shards"
	flagExportNumBuckets     = exportKey + ".num_buckets"
	flagExportWorkerThreads  = exportKey + ".worker_threads"
	flagExportSampleRate     = exportKey + ".sample_rate"
	flagExportSpoolPath      = exportKey + ".spool_path"
	flagExportReflector      = exportKey + ".reflector"
	flagExportMaxActiveFlows = exportKey + ".max_active_flows"
	flagExportBidiMerge      = exportKey + ".bidirectional_merge"
	flagExportPlugins        = exportKey + ".plugins"

	apiKey                   = "api"
	flagAPIHost              = apiKey + ".host"
	flagAPIPort              = apiKey + ".port"
	flagAPIMetrics           = apiKey + ".metrics"
	flagAPIRequestLog        = apiKey + ".request_logging"
	flagAPITimeout           = apiKey + ".request_timeout"
	flagAPIRateLimitMaxReq   = apiKey + ".rate_limit.max_req_per_sec"
	flagAPIRateLimitMaxBurst = apiKey + ".rate_limit.max_burst"
)

func registerFlags(cmd *cobra.Command, cfg *gpconf.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration must not be nil")
	}

	pflags := cmd.PersistentFlags()

	if err := conf.RegisterFlags(cmd); err != nil {
		return err
	}

	pflags.IntVar((*int)(&cfg.Export.Version), flagExportVersion, int(cfg.Export.Version), "NetFlow/IPFIX export version (5, 9 or 10)")
	pflags.StringSliceVar(&cfg.Export.Collectors, flagExportCollectors, cfg.Export.Collectors, "collector addresses (host:port)")
	pflags.StringVar(&cfg.Export.Transport, flagExportTransport, cfg.Export.Transport, "export transport (udp or tcp)")
	pflags.StringVar(&cfg.Export.Template, flagExportTemplate, cfg.Export.Template, "export record template string")
	pflags.DurationVar(&cfg.Export.SendInterval, flagExportSendInterval, cfg.Export.SendInterval, "minimum interval between export packets")
	pflags.IntVar(&cfg.Export.TemplateRetransmitEvery, flagExportTemplateResend, cfg.Export.TemplateRetransmitEvery, "number of data packets between template retransmissions")
	pflags.IntVar(&cfg.Export.MinFlowsPerPacket, flagExportMinFlows, cfg.Export.MinFlowsPerPacket, "minimum number of flow records per export packet")
	pflags.IntVar(&cfg.Export.MaxFlowsPerPacket, flagExportMaxFlows, cfg.Export.MaxFlowsPerPacket, "maximum number of flow records per export packet")
	pflags.DurationVar(&cfg.Export.ScanInterval, flagExportScanInterval, cfg.Export.ScanInterval, "flow hash scan/expiry interval")
	pflags.DurationVar(&cfg.Export.IdleTimeout, flagExportIdleTimeout, cfg.Export.IdleTimeout, "flow idle timeout")
	pflags.DurationVar(&cfg.Export.MaxLifetime, flagExportMaxLifetime, cfg.Export.MaxLifetime, "flow maximum lifetime")
	pflags.IntVar(&cfg.Export.NumShards, flagExportNumShards, cfg.Export.NumShards, "number of flow hash shards")
	pflags.IntVar(&cfg.Export.NumBuckets, flagExportNumBuckets, cfg.Export.NumBuckets, "number of hash buckets per shard")
	pflags.IntVar(&cfg.Export.WorkerThreads, flagExportWorkerThreads, cfg.Export.WorkerThreads, "hand-off queue sizing: each shard's queue holds 4 x worker_threads packets (one worker runs per shard, see num_shards)")
	pflags.IntVar(&cfg.Export.SampleRate, flagExportSampleRate, cfg.Export.SampleRate, "packet sampling rate (must be >= 1; not applied: every packet is accounted and counters are exported unscaled)")
	pflags.StringVar(&cfg.Export.SpoolPath, flagExportSpoolPath, cfg.Export.SpoolPath, "path to spool undelivered export packets to (empty disables spooling)")
	pflags.BoolVar(&cfg.Export.Reflector, flagExportReflector, cfg.Export.Reflector, "mirror every export packet to all collectors instead of round-robin dispatch")
	pflags.IntVar(&cfg.Export.MaxActiveFlows, flagExportMaxActiveFlows, cfg.Export.MaxActiveFlows, "maximum number of active flows per hash shard (0 = unlimited)")
	pflags.BoolVar(&cfg.Export.BidirectionalMerge, flagExportBidiMerge, cfg.Export.BidirectionalMerge, "fold both directions of a flow into one bidirectional record (forced off under NetFlow v5)")
	pflags.StringSliceVar(&cfg.Export.Plugins, flagExportPlugins, cfg.Export.Plugins, "registered plugin extensions to activate, in dispatch order")

	pflags.StringVar(&cfg.API.Host, flagAPIHost, cfg.API.Host, "status API listen host")
	pflags.StringVar(&cfg.API.Port, flagAPIPort, cfg.API.Port, "status API listen port")
	pflags.BoolVar(&cfg.API.Metrics, flagAPIMetrics, cfg.API.Metrics, "enable Prometheus metrics endpoint")
	pflags.BoolVar(&cfg.API.Logging, flagAPIRequestLog, cfg.API.Logging, "enable API request logging")
	pflags.IntVar(&cfg.API.Timeout, flagAPITimeout, cfg.API.Timeout, "API request timeout in seconds")
	pflags.Float64Var(&cfg.API.RateLimit.MaxReqPerSecond, flagAPIRateLimitMaxReq, cfg.API.RateLimit.MaxReqPerSecond, "maximum API requests per second (0 disables the limit)")
	pflags.IntVar(&cfg.API.RateLimit.MaxBurst, flagAPIRateLimitMaxBurst, cfg.API.RateLimit.MaxBurst, "maximum API request burst size")

	return viper.BindPFlags(pflags)
}

// initConfig reads in config file and ENV variables if set.
func initConfig(cfg *gpconf.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration must not be nil")
	}
	if cfg.Interfaces == nil {
		cfg.Interfaces = make(gpconf.Ifaces)
	}

	path := viper.GetString(conf.ConfigFile)
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "__"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	return nil
}

func initLogging() error {
	appVersion := version.Version()
	loggerOpts := []logging.Option{
		logging.WithVersion(appVersion),
	}

	if dst := viper.GetString(conf.LogDestination); dst != "" {
		loggerOpts = append(loggerOpts, logging.WithFileOutput(dst))
	}

	return logging.Init(
		logging.LevelFromString(viper.GetString(conf.LogLevel)),
		logging.Encoding(viper.GetString(conf.LogEncoding)),
		loggerOpts...,
	)
}

func run(ctx context.Context, cfg *gpconf.Config) error {
	// A general note on error handling: any errors encountered during startup that make it
	// impossible to run are returned to the caller and logged to stderr before the program
	// terminates with a non-zero exit code.

	configPath := viper.GetString(conf.ConfigFile)

	var configMonitor *gpconf.Monitor
	if configPath != "" {
		var err error
		configMonitor, err = gpconf.NewMonitor(configPath)
		if err != nil {
			return fmt.Errorf("failed to initialize config file monitor: %w", err)
		}
		cfg = configMonitor.GetConfig()
	}

	logger := logging.FromContext(ctx)
	logger.Info("loaded configuration")

	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("no interfaces have been specified in the configuration")
	}
	if len(cfg.Interfaces) > capture.MaxIfaces {
		return fmt.Errorf("cannot monitor more than %d interfaces", capture.MaxIfaces)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, syscall.SIGHUP)
	defer signal.Stop(sighupCh)

	signals := stats.NewSignals()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighupCh:
				reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := signals.RequestReload(reloadCtx, stats.ReloadReasonSignal); err != nil {
					logger.Warn("reload request failed", "err", err)
				}
				cancel()
			}
		}
	}()

	activePlugins, err := plugin.GetInitializer().Resolve(cfg.Export.Plugins)
	if err != nil {
		return fmt.Errorf("failed to resolve configured plugins: %w", err)
	}

	// NetFlow v5 is inherently unidirectional; bidirectional merge is
	// forced off regardless of configuration under that version.
	mergeEnabled := cfg.Export.BidirectionalMerge && cfg.Export.Version != export.VersionV5

	// the flow hash and its worker pool are sized once, up front: the number of shards
	// is independent of how many interfaces feed them (see pkg/capture.Manager)
	manager := capture.NewManager(ctx, cfg.Export.NumShards, cfg.Export.NumBuckets, cfg.Export.WorkerThreads*4, cfg.Export.MaxActiveFlows, mergeEnabled)
	manager.Update(cfg.Interfaces)

	if configMonitor != nil {
		configMonitor.Start(ctx, func(_ context.Context, ifaces gpconf.Ifaces) ([]string, []string, []string, error) {
			manager.Update(ifaces)
			return nil, nil, nil, nil
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-signals.Reloads():
				logger.Info("reload requested", "reason", req.Reason)
				manager.Update(cfg.Interfaces)
				req.Done <- nil
			}
		}
	}()

	pool := worker.NewPool(manager.Router(), manager.Table(), manager.Counters(), activePlugins)
	go pool.Run(ctx)

	exportQueue := export.NewQueue()
	sc := scanner.New(manager.Table(), export.QueueSink{Queue: exportQueue}, scanner.Config{
		ScanInterval: cfg.Export.ScanInterval,
		IdleTimeout:  cfg.Export.IdleTimeout,
		MaxLifetime:  cfg.Export.MaxLifetime,
	}, manager.Counters(), activePlugins)
	go sc.Run(ctx)

	tmpl, err := cfg.Export.ResolvedTemplate()
	if err != nil {
		return fmt.Errorf("failed to resolve export template: %w", err)
	}

	collectors := make([]*export.Collector, 0, len(cfg.Export.Collectors))
	for _, addr := range cfg.Export.Collectors {
		collectors = append(collectors, &export.Collector{Address: addr, Transport: export.Transport(cfg.Export.Transport)})
	}

	var spool *export.Spool
	if cfg.Export.SpoolPath != "" {
		if err := export.Replay(cfg.Export.SpoolPath, func(pkt []byte) error {
			if len(collectors) == 0 {
				return nil
			}
			return collectors[0].Send(pkt)
		}); err != nil {
			logger.Warn("failed to replay export spool", "path", cfg.Export.SpoolPath, "err", err)
		}

		spool, err = export.NewSpool(cfg.Export.SpoolPath)
		if err != nil {
			return fmt.Errorf("failed to open export spool: %w", err)
		}
	}

	emitter := export.NewEmitter(exportQueue, time.Now(), export.Config{
		Version:                 cfg.Export.Version,
		Collectors:              collectors,
		Template:                tmpl,
		MaxRecordsPerPacket:     cfg.Export.MaxFlowsPerPacket,
		MinRecordsPerPacket:     cfg.Export.MinFlowsPerPacket,
		SendInterval:            cfg.Export.SendInterval,
		TemplateRetransmitEvery: cfg.Export.TemplateRetransmitEvery,
		Spool:                   spool,
		Reflector:               cfg.Export.Reflector,
	})
	go emitter.Run(ctx)

	var apiServer *api.Server
	if cfg.API != nil && cfg.API.Port != "" {
		addr := cfg.API.Host + ":" + cfg.API.Port
		apiServer = api.New(addr, manager,
			api.WithMetrics(cfg.API.Metrics, defaultRequestDurationHistogramBins...),
			api.WithRateLimit(rate.Limit(cfg.API.RateLimit.MaxReqPerSecond), cfg.API.RateLimit.MaxBurst),
		)
		go func() {
			logger.Info("starting API server", "addr", addr)
			if err := apiServer.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server terminated unexpectedly", "err", err)
			}
		}()
	}

	logger.Info("started flowprobe")

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully")

	fallbackCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(fallbackCtx); err != nil {
			logger.Error("forced shut down of API server", "err", err)
		}
	}

	manager.CloseAll()
	exportQueue.Close()
	if spool != nil {
		if err := spool.Close(); err != nil {
			logger.Error("failed to close export spool", "err", err)
		}
	}
	logger.Info("graceful shut down completed")

	return nil
}
