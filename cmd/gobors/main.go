package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/gobors/internal/action"
	actiongithub "github.com/simplesurance/gobors/internal/action/github"
	"github.com/simplesurance/gobors/internal/cfg"
	"github.com/simplesurance/gobors/internal/githubclt"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/mergeq"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/provider/ci"
	"github.com/simplesurance/gobors/internal/provider/github"
	"github.com/simplesurance/gobors/internal/store"
)

const appName = "gobors"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const EventChannelBufferSize = 1024

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

// goodbye runs handlers with lower priority values first.
const (
	shutdownPrioServers = iota - 10
	shutdownPrioEventLoop
	shutdownPrioCoordinator
	shutdownPrioStore
)

func registerServerShutdown(name string, srv *http.Server) {
	goodbye.RegisterWithPriority(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating "+name+" server",
			logfields.Event(name+"_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down "+name+" server failed",
				logfields.Event(name+"_server_termination_failed"),
				zap.Error(err),
			)
		}
	}, shutdownPrioServers)
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	registerServerShutdown("https", &httpsServer)

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	registerServerShutdown("http", &httpServer)

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	EnvFile     *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/gobors/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the gobors configuration file",
		),
		EnvFile: pflag.String(
			"env-file",
			"",
			"path to a dotenv file, the variables are available as ${VAR} placeholders in the configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge queue for GitHub pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	if *args.EnvFile != "" {
		err := cfg.LoadEnvFile(*args.EnvFile)
		exitOnErr(fmt.Sprintf("could not load env file: %s", *args.EnvFile), err)
	}

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.RegisterWithPriority(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	}, 100)
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustOpenStore(config *cfg.Config) *store.Store {
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
	defer cancelFn()

	st, err := store.Open(ctx, config.DB.Driver, config.DB.DSN)
	if err != nil {
		logger.Fatal(
			"opening database failed",
			logfields.Event("db_open_failed"),
			zap.String("db_driver", config.DB.Driver),
			zap.Error(err),
		)
	}

	goodbye.RegisterWithPriority(func(context.Context, os.Signal) {
		if err := st.Close(); err != nil {
			logger.Warn(
				"closing database failed",
				logfields.Event("db_close_failed"),
				zap.Error(err),
			)
		}
	}, shutdownPrioStore)

	return st
}

func mustInitExecutor(config *cfg.Config, githubClient *githubclt.Client, pol *policy.Policy) action.Executor {
	var clt actiongithub.GithubClient = githubClient
	if config.DryRun {
		clt = actiongithub.NewDryGithubClient(clt, logger.Named("dry-github-client"))
		logger.Info(
			"dry run mode enabled, changes to repositories are only simulated",
			logfields.Event("dry_run_enabled"),
		)
	}

	executor, err := actiongithub.NewExecutor(clt, config.BotName, pol)
	if err != nil {
		logger.Fatal(
			"initializing github executor failed",
			logfields.Event("executor_init_failed"),
			zap.Error(err),
		)
	}

	return executor
}

func mustStartCoordinator(config *cfg.Config, coord *mergeq.Coordinator, githubClient *githubclt.Client) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancelFn()

	if err := coord.Recover(ctx); err != nil {
		logger.Fatal(
			"recovering integration attempts failed",
			logfields.Event("recover_failed"),
			zap.Error(err),
		)
	}

	if config.SyncOnStart {
		if err := coord.InitialSync(ctx, githubClient); err != nil {
			logger.Fatal(
				"synchronizing pull requests with github failed",
				logfields.Event("initial_sync_failed"),
				zap.Error(err),
			)
		}
	}

	coord.Start()

	goodbye.RegisterWithPriority(func(context.Context, os.Signal) {
		logger.Debug("stopping coordinator", logfields.Event("coordinator_stopping"))
		coord.Stop()
		logger.Debug("coordinator stopped", logfields.Event("coordinator_stopped"))
	}, shutdownPrioCoordinator)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	pol, err := policy.FromConfig(config)
	exitOnErr(fmt.Sprintf("could not parse repository policies from configuration file: %s", *args.ConfigFile), err)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("ci_callback_endpoint", config.CICallback.Endpoint),
		zap.String("ci_callback_secret", hide(config.CICallback.Secret)),
		zap.String("queue_list_endpoint", config.HTTPListEndpoint),
		zap.String("metrics_endpoint", config.HTTPMetricsEndpoint),
		zap.String("db_driver", config.DB.Driver),
		zap.String("bot_name", config.BotName),
		zap.Bool("dry_run", config.DryRun),
		zap.Bool("sync_on_start", config.SyncOnStart),
		zap.Int("max_priority", pol.MaxPriority),
		zap.Duration("retry_log_expire", pol.RetryLogExpire),
		zap.Duration("supervisor_interval", pol.SupervisorInterval),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	for _, r := range pol.Repositories {
		logger.Info(
			"repository is monitored",
			logfields.Event("repository_monitored"),
			logfields.Repository(r.FullName()),
			zap.String("policy", r.DetailedString()),
		)
	}

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	if len(pol.Repositories) == 0 {
		fmt.Fprintf(os.Stderr, "ERROR: config file %s does not define any repositories, nothing to do\n", *args.ConfigFile)
		os.Exit(1)
	}

	st := mustOpenStore(config)
	githubClient := githubclt.New(config.GithubAPIToken)
	executor := mustInitExecutor(config, githubClient, pol)

	coord := mergeq.New(
		st,
		executor,
		pol,
		mergeq.WithBotName(config.BotName),
		mergeq.WithCollaboratorChecker(githubClient),
	)

	mustStartCoordinator(config, coord, githubClient)

	evLoopChan := make(chan *github.Event, EventChannelBufferSize)
	evLoopDone := make(chan struct{})
	go func() {
		defer panicHandler()
		defer close(evLoopDone)

		coord.EventLoop(evLoopChan)
	}()

	goodbye.RegisterWithPriority(func(context.Context, os.Signal) {
		logger.Debug("stopping event loop", logfields.Event("event_loop_stopping"))
		close(evLoopChan)
		<-evLoopDone
		logger.Debug("event loop terminated", logfields.Event("event_loop_terminated"))
	}, shutdownPrioEventLoop)

	mux := http.NewServeMux()

	gh := github.New(
		[]chan<- *github.Event{evLoopChan},
		github.WithPayloadSecret(config.GithubWebHookSecret),
		github.WithEventTypes(mergeq.WebhookEventTypes...),
	)

	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	if config.CICallback.Endpoint != "" {
		ciProv, err := ci.New(coord, &config.CICallback)
		exitOnErr("could not initialize ci callback handler", err)

		mux.HandleFunc(config.CICallback.Endpoint, ciProv.HTTPHandler)
		logger.Info(
			"registered ci build result http endpoint",
			logfields.Event("ci_http_handler_registered"),
			zap.String("endpoint", config.CICallback.Endpoint),
		)
	}

	if config.HTTPListEndpoint != "" {
		mux.HandleFunc(config.HTTPListEndpoint, coord.HTTPHandlerList)
		logger.Info(
			"registered queue list http endpoint",
			logfields.Event("queue_list_http_handler_registered"),
			zap.String("endpoint", config.HTTPListEndpoint),
		)
	}

	if config.HTTPMetricsEndpoint != "" {
		mux.Handle(config.HTTPMetricsEndpoint, promhttp.Handler())
		logger.Info(
			"registered prometheus metrics http endpoint",
			logfields.Event("metrics_http_handler_registered"),
			zap.String("endpoint", config.HTTPMetricsEndpoint),
		)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
