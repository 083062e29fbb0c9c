package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zof/apps/datapaths"
	"zof/apps/l2switch"
	"zof/internal/controller"
	"zof/internal/source"
	"zof/pkg/zof"
)

const (
	envConfigFile           = "ZOF_CONFIG_FILE"
	defaultConfigFilePath   = "config/zofctl.toml"
	alternateConfigFilePath = "bin/config/zofctl.toml"
	defaultShutdownTimeout  = 10 * time.Second
	defaultQueueBuffer      = 256
	defaultMetricsPath      = "/metrics"
	metricsShutdownTimeout  = 5 * time.Second
)

var runtimeAppNames = []string{datapaths.AppName, l2switch.AppName}

type appConfig struct {
	logLevel slog.Level

	shutdownTimeout time.Duration
	queueBuffer     int
	backpressure    controller.BackpressurePolicy
	ingressRate     float64
	ingressBurst    int

	metricsListen string
	metricsPath   string

	fatalLogName string
	fatalLogPath string

	sources []source.Definition
	apps    map[string]appSettings
}

type appSettings struct {
	enabled        bool
	precedence     *int
	exceptionFatal bool
	fatalLogger    string
}

type fileConfig struct {
	LogLevel   string                  `toml:"log_level"`
	Controller fileControllerConfig    `toml:"controller"`
	Metrics    fileMetricsConfig       `toml:"metrics"`
	FatalLog   fileFatalLogConfig      `toml:"fatal_log"`
	Sources    []fileSourceEntry       `toml:"sources"`
	Apps       map[string]fileAppEntry `toml:"apps"`
}

type fileControllerConfig struct {
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	QueueBuffer     int     `toml:"queue_buffer"`
	Backpressure    string  `toml:"backpressure"`
	IngressRate     float64 `toml:"ingress_rate"`
	IngressBurst    int     `toml:"ingress_burst"`
}

type fileMetricsConfig struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

type fileFatalLogConfig struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

type fileSourceEntry struct {
	Name    string         `toml:"name"`
	Type    string         `toml:"type"`
	Enabled *bool          `toml:"enabled"`
	Config  map[string]any `toml:"config"`
}

type fileAppEntry struct {
	Enabled        *bool  `toml:"enabled"`
	Precedence     *int   `toml:"precedence"`
	ExceptionFatal bool   `toml:"exception_fatal"`
	FatalLogger    string `toml:"fatal_logger"`
}

func run() error {
	registry, err := source.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin source registry: %w", err)
	}

	cfg, err := loadConfig(registry)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.logLevel)
	fatalLogger, closeFatalLog, err := openFatalLogger(cfg)
	if err != nil {
		return err
	}
	defer closeFatalLog()

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	controllerRuntime := buildController(logger, fatalLogger, metricsRegistry, cfg)
	if err := registerRuntimeSources(context.Background(), controllerRuntime, registry, logger, cfg); err != nil {
		return err
	}
	if err := installRuntimeApps(controllerRuntime, logger, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, stopMetrics, err := startMetricsServer(cfg, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	if err := controllerRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run controller: %w", err)
	}

	return nil
}

func loadConfig(registry *source.Registry) (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	apps := make(map[string]appSettings, len(runtimeAppNames))
	for _, name := range runtimeAppNames {
		apps[name] = appSettings{enabled: true}
	}

	return appConfig{
		logLevel: slog.LevelInfo,

		shutdownTimeout: defaultShutdownTimeout,
		queueBuffer:     defaultQueueBuffer,
		backpressure:    controller.BackpressureBlock,

		metricsPath: defaultMetricsPath,

		sources: make([]source.Definition, 0),
		apps:    apps,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	var parsed fileConfig
	meta, err := toml.DecodeFile(path, &parsed)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("parse config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if rawTimeout := strings.TrimSpace(parsed.Controller.ShutdownTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse controller.shutdown_timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("parse controller.shutdown_timeout: must be > 0")
		}
		cfg.shutdownTimeout = timeout
	}
	if meta.IsDefined("controller", "queue_buffer") {
		if parsed.Controller.QueueBuffer <= 0 {
			return fmt.Errorf("parse controller.queue_buffer: must be > 0")
		}
		cfg.queueBuffer = parsed.Controller.QueueBuffer
	}
	if rawPolicy := strings.TrimSpace(parsed.Controller.Backpressure); rawPolicy != "" {
		policy, ok := controller.ParseBackpressurePolicy(rawPolicy)
		if !ok {
			return fmt.Errorf("parse controller.backpressure: unsupported policy %q", rawPolicy)
		}
		cfg.backpressure = policy
	}
	if meta.IsDefined("controller", "ingress_rate") {
		if parsed.Controller.IngressRate < 0 {
			return fmt.Errorf("parse controller.ingress_rate: must be >= 0")
		}
		cfg.ingressRate = parsed.Controller.IngressRate
	}
	if meta.IsDefined("controller", "ingress_burst") {
		if parsed.Controller.IngressBurst < 0 {
			return fmt.Errorf("parse controller.ingress_burst: must be >= 0")
		}
		cfg.ingressBurst = parsed.Controller.IngressBurst
	}

	cfg.metricsListen = strings.TrimSpace(parsed.Metrics.Listen)
	if metricsPath := strings.TrimSpace(parsed.Metrics.Path); metricsPath != "" {
		if !strings.HasPrefix(metricsPath, "/") {
			return fmt.Errorf("parse metrics.path: must start with /")
		}
		cfg.metricsPath = metricsPath
	}

	cfg.fatalLogName = strings.TrimSpace(parsed.FatalLog.Name)
	cfg.fatalLogPath = strings.TrimSpace(parsed.FatalLog.Path)

	cfg.sources = make([]source.Definition, 0, len(parsed.Sources))
	for index, entry := range parsed.Sources {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		if entry.Config == nil {
			return fmt.Errorf("parse sources[%d].config: required", index)
		}
		rawConfig, err := json.Marshal(entry.Config)
		if err != nil {
			return fmt.Errorf("parse sources[%d].config: %w", index, err)
		}
		cfg.sources = append(cfg.sources, source.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  rawConfig,
		})
	}

	for name, entry := range parsed.Apps {
		settings, known := cfg.apps[name]
		if !known {
			return fmt.Errorf("parse apps.%s: unknown app", name)
		}
		if entry.Enabled != nil {
			settings.enabled = *entry.Enabled
		}
		if entry.Precedence != nil {
			precedence := *entry.Precedence
			settings.precedence = &precedence
		}
		settings.exceptionFatal = entry.ExceptionFatal
		settings.fatalLogger = strings.TrimSpace(entry.FatalLogger)
		cfg.apps[name] = settings
	}

	return nil
}

func validateAppConfig(cfg *appConfig, registry *source.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil source registry")
	}

	knownTypes := registry.Types()
	seenNames := make(map[string]struct{}, len(cfg.sources))
	for _, definition := range cfg.sources {
		if definition.Name == "" {
			return fmt.Errorf("sources[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("sources[%s].type is required", definition.Name)
		}
		if _, exists := seenNames[definition.Name]; exists {
			return fmt.Errorf("sources[%s]: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Enabled && !slices.Contains(knownTypes, definition.Type) {
			return fmt.Errorf("sources[%s].type: unsupported type %s", definition.Name, definition.Type)
		}
	}

	if (cfg.fatalLogName == "") != (cfg.fatalLogPath == "") {
		return fmt.Errorf("fatal_log.name and fatal_log.path must be set together")
	}
	for name, settings := range cfg.apps {
		if settings.fatalLogger != "" && settings.fatalLogger != cfg.fatalLogName {
			return fmt.Errorf("apps.%s.fatal_logger: unknown logger %s", name, settings.fatalLogger)
		}
	}

	if cfg.metricsListen != "" {
		if _, _, err := net.SplitHostPort(cfg.metricsListen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return zof.LevelCritical, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

// newLogger builds the JSON logger; zof.LevelCritical renders as CRITICAL.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key != slog.LevelKey {
				return attr
			}
			if attrLevel, ok := attr.Value.Any().(slog.Level); ok && attrLevel == zof.LevelCritical {
				attr.Value = slog.StringValue("CRITICAL")
			}
			return attr
		},
	}))
}

// openFatalLogger opens the dedicated fatal log file when configured.
func openFatalLogger(cfg appConfig) (*slog.Logger, func(), error) {
	if cfg.fatalLogPath == "" {
		return nil, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.fatalLogPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create fatal log dir: %w", err)
	}
	file, err := os.OpenFile(cfg.fatalLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open fatal log %s: %w", cfg.fatalLogPath, err)
	}

	return newLogger(file, slog.LevelDebug), func() { _ = file.Close() }, nil
}

func buildController(
	logger *slog.Logger,
	fatalLogger *slog.Logger,
	registerer prometheus.Registerer,
	cfg appConfig,
) *controller.Controller {
	options := []controller.Option{
		controller.WithLogger(logger),
		controller.WithShutdownTimeout(cfg.shutdownTimeout),
		controller.WithQueueBuffer(cfg.queueBuffer),
		controller.WithBackpressure(cfg.backpressure),
		controller.WithIngressRateLimit(cfg.ingressRate, cfg.ingressBurst),
		controller.WithMetricsRegisterer(registerer),
	}
	if fatalLogger != nil {
		options = append(options, controller.WithNamedLogger(cfg.fatalLogName, fatalLogger))
	}

	return controller.New(options...)
}

func registerRuntimeSources(
	ctx context.Context,
	controllerRuntime *controller.Controller,
	registry *source.Registry,
	logger *slog.Logger,
	cfg appConfig,
) error {
	sources, err := registry.BuildEnabled(ctx, cfg.sources, logger)
	if err != nil {
		return fmt.Errorf("build sources: %w", err)
	}
	for _, built := range sources {
		if err := controllerRuntime.RegisterSource(built); err != nil {
			return fmt.Errorf("register source %s: %w", built.Name(), err)
		}
	}

	return nil
}

func installRuntimeApps(host zof.Host, logger *slog.Logger, cfg appConfig) error {
	if settings := cfg.apps[datapaths.AppName]; settings.enabled {
		if _, err := datapaths.Install(host, settings.appOptions()...); err != nil {
			return fmt.Errorf("install datapaths app: %w", err)
		}
	}
	if settings := cfg.apps[l2switch.AppName]; settings.enabled {
		switchOptions := []l2switch.Option{l2switch.WithLogger(logger.With("app", l2switch.AppName))}
		if _, err := l2switch.Install(host, switchOptions, settings.appOptions()...); err != nil {
			return fmt.Errorf("install l2switch app: %w", err)
		}
	}

	return nil
}

func (s appSettings) appOptions() []zof.AppOption {
	var options []zof.AppOption
	if s.precedence != nil {
		options = append(options, zof.WithPrecedence(*s.precedence))
	}
	switch {
	case s.fatalLogger != "":
		options = append(options, zof.WithFatalLogger(s.fatalLogger))
	case s.exceptionFatal:
		options = append(options, zof.WithExceptionFatal())
	}

	return options
}

// startMetricsServer serves the registry on cfg.metricsListen and returns the bound
// address, nil when disabled. The returned func stops the server.
func startMetricsServer(cfg appConfig, gatherer prometheus.Gatherer, logger *slog.Logger) (net.Addr, func(), error) {
	if cfg.metricsListen == "" {
		return nil, func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.metricsListen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen metrics %s: %w", cfg.metricsListen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", listener.Addr().String(), "path", cfg.metricsPath)

	return listener.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
