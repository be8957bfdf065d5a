package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-gate/internal/limiterhttp"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-gate/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-gate/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-gate/internal/prof"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/rules"
	v "github.com/keithlinneman/linnemanlabs-gate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.App, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked these
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	format, _ := log.ParseFormat(conf.LogFormat)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		Format:          format,
		ErrorLinks:      conf.ErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"identity_header", conf.IdentityHeader,
		"idle_ttl", conf.IdleTTL.String(),
		"max_identities", conf.MaxIdentities,
		"trusted_hops", conf.TrustedHops,
		"enable_rules_api", conf.EnableRulesAPI,
		"enable_rules_updates", conf.EnableRulesUpdates,
		"rules_source", conf.RulesSource(),
		"rules_signing_key_arn", conf.RulesSigningKeyARN,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		ProfileMutexFraction: 5,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// rejected requests are counted per call but only summarized in logs
	var denied atomic.Int64
	deniedLog := rate.Sometimes{Interval: 10 * time.Second}

	limiter := ratelimit.New(ctx,
		ratelimit.WithIdleTTL(conf.IdleTTL),
		ratelimit.WithMaxIdentities(conf.MaxIdentities),
		ratelimit.WithMetrics(m),
		ratelimit.WithOnDenied(func(string) {
			denied.Add(1)
			deniedLog.Do(func() {
				L.Warn(ctx, "requests rejected by rate limits", "since_last_report", denied.Swap(0))
			})
		}),
		// once per offender until its window log is reaped
		ratelimit.WithOnFirstDenied(func(identity string) {
			L.Info(ctx, "rate limit triggered", "identity", identity)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncCapacityReached()
			L.Warn(ctx, "identity capacity reached, rejecting new rule sets until some are removed",
				"max_identities", conf.MaxIdentities,
			)
		}),
	)
	m.TrackLimiter(
		func() int { return len(limiter.Identities()) },
		limiter.Tracked,
	)

	var gate health.ShutdownGate
	applier := rules.NewApplier(limiter)

	readiness := health.All(gate.Probe())

	loader, err := newRulesLoader(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to set up rules source")
		os.Exit(1)
	}
	if loader != nil {
		m.SetRulesSource(loader.Source.String())
		watcher := rules.NewWatcher(&rules.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Applier:      applier,
			PollInterval: conf.RulesPollInterval,
			Metrics:      m,
			OnSwap: func(l *rules.Loaded, res rules.Result) {
				L.Debug(ctx, "rules document swapped",
					"hash", cryptoutil.ShortHash(l.SHA256),
					"identities", len(l.Document.Identities),
					"failed", len(res.Failed),
				)
			},
		})

		// not fatal, readiness stays red until a document applies
		if err := watcher.Sync(ctx); err != nil {
			L.Error(ctx, err, "initial rules load failed", "source", loader.Source.String())
		}
		if conf.EnableRulesUpdates {
			go watcher.Run(ctx)
		}
		readiness = health.All(gate.Probe(), health.Named("rules", health.CheckFunc(func(context.Context) error {
			return watcher.Ready()
		})))
	} else {
		L.Info(ctx, "no rules source configured, rules come from the API only")
	}

	api := limiterhttp.NewAPI(limiterhttp.Options{
		Limiter:        limiter,
		Logger:         L,
		Documents:      applier,
		EnableRulesAPI: conf.EnableRulesAPI,
	})

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:         L,
		Port:           conf.HTTPPort,
		UseRecoverMW:   true,
		OnPanic:        m.IncHttpPanic,
		MetricsMW:      m.Middleware,
		Health:         health.Fixed(true, ""),
		Readiness:      readiness,
		APIRoutes:      api.RegisterRoutes,
		IdentityHeader: conf.IdentityHeader,
		ClientIPOpts:   httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes:   conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener refuses public peers, the security group is the first line
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain", conf.ShutdownDrain.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
