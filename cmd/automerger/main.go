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

	"github.com/simplesurance/automerger/internal/automerge"
	"github.com/simplesurance/automerger/internal/buildpipeline"
	"github.com/simplesurance/automerger/internal/cfg"
	"github.com/simplesurance/automerger/internal/githubclt"
	"github.com/simplesurance/automerger/internal/jira"
	"github.com/simplesurance/automerger/internal/logfields"
	"github.com/simplesurance/automerger/internal/retryer"
	"github.com/simplesurance/automerger/internal/verify"
)

const appName = "automerger"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const (
	metricsEndpoint = "/metrics"
	statusEndpoint  = "/status"
)

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

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

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
	ShowVersion *bool
	DryRun      *bool
	Once        *bool
}

var args arguments

const defConfigFile = "/etc/automerger/config.toml"

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
			"path to the automerger configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		DryRun: pflag.BoolP(
			"dry-run",
			"n",
			false,
			"do not push, comment, close pull requests or resolve tickets, overrides the active setting of the config file",
		),
		Once: pflag.Bool(
			"once",
			false,
			"run a single cycle and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nBuild approved GitHub pull requests and merge them.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

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

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustParseCommands(config *cfg.Config) *automerge.Commands {
	var err error
	var result automerge.Commands

	parse := func(name, text string) *buildpipeline.CommandTemplate {
		if err != nil {
			return nil
		}

		var tmpl *buildpipeline.CommandTemplate
		tmpl, err = buildpipeline.ParseCommandTemplate(name, text)
		return tmpl
	}

	cmds := &config.Build.Commands
	result.Clean = parse("clean", cmds.Clean)
	result.CloneManifest = parse("clone_manifest", cmds.CloneManifest)
	result.UpdateManifest = parse("update_manifest", cmds.UpdateManifest)
	result.CloneComponent = parse("clone_component", cmds.CloneComponent)
	result.Checkout = parse("checkout", cmds.Checkout)
	result.FetchChange = parse("fetch_change", cmds.FetchChange)
	result.MergeChange = parse("merge_change", cmds.MergeChange)
	result.BuildComponent = parse("build_component", cmds.BuildComponent)
	result.Push = parse("push", cmds.Push)
	result.PushURL = parse("push_url", config.Build.PushURL)

	exitOnErr("parsing build commands failed", err)

	return &result
}

func mustNewVerifier(config *cfg.Config) *verify.Verifier {
	var opts []verify.Option

	for _, fp := range config.Verify.Fingerprinters {
		opts = append(opts, verify.WithFingerprinter(&verify.CommandFingerprinter{Command: fp.Command}, fp.Extensions...))
	}

	v, err := verify.New(config.Verify.CommitPattern, opts...)
	exitOnErr("creating change verifier failed", err)

	return v
}

func mustNewTicketCloser(config *cfg.Config, rt automerge.Retryer, dryRun bool) *automerge.TicketCloser {
	var svc automerge.TicketService

	clt, err := jira.New(&jira.Config{
		URL:             config.Ticket.URL,
		User:            config.Ticket.User,
		Password:        config.Ticket.Password,
		ResolvedStatus:  config.Ticket.ResolvedStatus,
		TransitionQuery: config.Ticket.ResolveTransitionQuery,
	})
	exitOnErr("creating ticket client failed", err)

	svc = clt
	if dryRun {
		svc = automerge.NewDryTicketService(logger)
	}

	closer, err := automerge.NewTicketCloser(svc, rt, config.Ticket.KeyPattern)
	exitOnErr("creating ticket closer failed", err)

	return closer
}

func repositoryNames(config *cfg.Config) []string {
	result := make([]string, 0, len(config.Repositories))
	for _, r := range config.Repositories {
		result = append(result, r.Name)
	}

	return result
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

	dryRun := !config.Active || *args.DryRun

	approvalPhrases, err := config.AllApprovalPhrases()
	exitOnErr("reading approval phrases failed", err)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("organization", config.Organization),
		zap.String("bot_login", config.BotLogin),
		zap.String("address_token", config.AddressToken),
		zap.Bool("dry_run", dryRun),
		zap.Strings("repositories", repositoryNames(config)),
		zap.Strings("approval_phrases", approvalPhrases),
		zap.Strings("approver_teams", config.ApproverTeams),
		zap.Strings("trusted_author_permissions", config.TrustedAuthorPermissions),
		zap.Strings("trusted_author_teams", config.TrustedAuthorTeams),
		zap.Duration("short_delay", config.ShortDelayDuration()),
		zap.Duration("long_delay", config.LongDelayDuration()),
		zap.Duration("cycle_timeout", config.CycleTimeoutDuration()),
		zap.String("build_dir", config.Build.BuildDir),
		zap.String("build_log_file", config.Build.LogFile),
		zap.Bool("verify_enabled", config.Verify.Enabled),
		zap.String("ticket_url", config.Ticket.URL),
		zap.String("ticket_password", hide(config.Ticket.Password)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	var githubClient automerge.GithubClient = githubclt.New(config.GithubAPIToken)
	if dryRun {
		githubClient = automerge.NewDryGithubClient(githubClient, logger)
	}

	ghRetryer := retryer.New()
	goodbye.Register(func(context.Context, os.Signal) {
		ghRetryer.Stop()
	})

	approval, err := automerge.NewApprovalMatcher(config.AddressToken, approvalPhrases)
	exitOnErr("invalid approval phrases", err)

	privileges := automerge.NewPrivilegeResolver(githubClient, ghRetryer, &automerge.PrivilegeResolverConfig{
		Organization:             config.Organization,
		TrustedAuthorPermissions: config.TrustedAuthorPermissions,
		TrustedAuthorTeams:       config.TrustedAuthorTeams,
		ApproverTeams:            config.ApproverTeams,
		RefreshEvery:             config.PrivilegesRefreshCycles,
	})

	// fail early on invalid credentials or team configuration
	if _, err := privileges.Refresh(ctx); err != nil {
		logger.Fatal(
			"retrieving trusted principals failed",
			logfields.Event("privileges_retrieval_failed"),
			zap.Error(err),
		)
	}

	commands := mustParseCommands(config)

	err = os.MkdirAll(config.Build.WorkspaceDir, 0o755)
	exitOnErr("creating workspace directory failed", err)

	execRunner := buildpipeline.NewExecRunner(
		&buildpipeline.LogConfig{
			Path:       config.Build.LogFile,
			MaxSizeMB:  config.Build.LogMaxSizeMB,
			MaxBackups: config.Build.LogMaxBackups,
		},
		fmt.Sprintf("%s=%s", config.Build.IdentityEnv, config.BotLogin),
	)
	goodbye.Register(func(context.Context, os.Signal) {
		if err := execRunner.Close(); err != nil {
			logger.Warn("closing build log failed", logfields.Event("build_log_close_failed"), zap.Error(err))
		}
	})

	var runner buildpipeline.Runner = execRunner
	if dryRun {
		runner = buildpipeline.NewDryRunner(execRunner)
	}
	pipeline := buildpipeline.NewPipeline(runner)

	var repos []*automerge.Repository
	for _, r := range config.Repositories {
		repos = append(repos, &automerge.Repository{Name: r.Name, Component: r.Component})
	}

	var procOpts []automerge.ProcessorOpt
	if config.Verify.Enabled {
		procOpts = append(procOpts, automerge.WithVerifier(mustNewVerifier(config)))
	}

	if config.Ticket.Enabled() {
		procOpts = append(procOpts, automerge.WithTicketCloser(mustNewTicketCloser(config, ghRetryer, dryRun)))
	}

	processor := automerge.NewProcessor(
		&automerge.ProcessorConfig{
			Organization:  config.Organization,
			Repositories:  repos,
			WorkspaceDir:  config.Build.WorkspaceDir,
			BuildDir:      config.Build.BuildDir,
			ManifestURL:   config.Build.ManifestURL,
			RootComponent: config.Build.RootComponent,
			Commands:      commands,
		},
		pipeline,
		automerge.NewMergeExecutor(githubClient, ghRetryer, pipeline),
		procOpts...,
	)

	selector := automerge.NewSelector(
		githubClient,
		ghRetryer,
		automerge.NewEvaluator(
			config.BotLogin,
			approval,
			automerge.NewDependencyChecker(githubClient, ghRetryer, config.Organization, repositoryNames(config)),
		),
		config.Organization,
		repositoryNames(config),
	)

	status := automerge.NewStatus(dryRun, repositoryNames(config))

	supervisor := automerge.NewSupervisor(
		automerge.SupervisorConfig{
			ShortDelay:   config.ShortDelayDuration(),
			LongDelay:    config.LongDelayDuration(),
			CycleTimeout: config.CycleTimeoutDuration(),
			DryRun:       dryRun,
		},
		githubClient,
		ghRetryer,
		privileges,
		selector,
		processor,
		status,
	)

	if config.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(metricsEndpoint, promhttp.Handler())
		mux.HandleFunc(statusEndpoint, status.HTTPHandler())

		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if *args.Once {
		kind, _ := supervisor.RunCycle(ctx)
		logger.Info("cycle finished, terminating", logfields.Event("single_cycle_finished"), zap.Stringer("outcome", kind))

		exitCode := 0
		if kind == automerge.KindTimeout || kind == automerge.KindUnclassified {
			exitCode = 1
		}

		goodbye.Exit(context.Background(), exitCode)
	}

	supervisorDone := make(chan struct{})

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 5 * time.Minute

		logger.Debug(
			"stopping supervisor",
			logfields.Event("supervisor_stopping"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		cancelFn()

		select {
		case <-supervisorDone:
		case <-time.After(shutdownTimeout):
			logger.Warn("supervisor did not terminate in time", logfields.Event("supervisor_termination_timeout"))
		}
	})

	supervisor.Run(ctx)
	close(supervisorDone)

	// the process is terminated by goodbye after all handlers ran
	select {}
}
