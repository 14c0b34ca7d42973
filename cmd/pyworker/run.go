package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vast-ai/pyworker/internal/adapter"
	"github.com/vast-ai/pyworker/internal/authdata"
	"github.com/vast-ai/pyworker/internal/backend"
	"github.com/vast-ai/pyworker/internal/benchmark"
	"github.com/vast-ai/pyworker/internal/config"
	"github.com/vast-ai/pyworker/internal/gate"
	"github.com/vast-ai/pyworker/internal/logger"
	"github.com/vast-ai/pyworker/internal/logtail"
	"github.com/vast-ai/pyworker/internal/metrics"
	"github.com/vast-ai/pyworker/internal/reporter"
	"github.com/vast-ai/pyworker/internal/server"
	"github.com/vast-ai/pyworker/internal/telemetry"
	"github.com/vast-ai/pyworker/internal/workers/helloworld"
	"github.com/vast-ai/pyworker/internal/workers/tgi"
)

// adapterSet is everything one demo adapter contributes: the mounted
// routes, the handler the Benchmarker drives, and the log-tail rules
// that mark the model server loaded or errored.
type adapterSet struct {
	routes          []server.Route
	benchmarkTarget adapter.EndpointHandler
	logRules        []logtail.Rule
}

func helloworldAdapter() adapterSet {
	generate := helloworld.NewGenerateHandler(3)
	stream := helloworld.NewGenerateStreamHandler(3)
	return adapterSet{
		routes: []server.Route{
			{Handler: generate},
			{Handler: stream},
		},
		benchmarkTarget: generate,
		logRules: []logtail.Rule{
			{Action: logtail.ActionModelLoaded, Substring: "infer server has started"},
			{Action: logtail.ActionInfo, Substring: `"message":"Download`},
			{Action: logtail.ActionModelError, Substring: "Exception: corrupted model file"},
		},
	}
}

func tgiAdapter() adapterSet {
	generate := tgi.NewGenerateHandler(3)
	stream := tgi.NewGenerateStreamHandler(3)
	return adapterSet{
		routes: []server.Route{
			{Handler: generate},
			{Handler: stream},
		},
		benchmarkTarget: generate,
		logRules: []logtail.Rule{
			{Action: logtail.ActionModelLoaded, Substring: `"message":"Connected","target":"text_generation_router"`},
			{Action: logtail.ActionInfo, Substring: `"message":"Download`},
			{Action: logtail.ActionModelError, Substring: "Error: WebserverFailed"},
			{Action: logtail.ActionModelError, Substring: "Error: DownloadError"},
		},
	}
}

func run(args []string) error {
	cfg, err := config.New(args)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger.Init(cfg.LogLevel, os.Stdout)
	log := logger.FromContext(context.Background())

	port, err := cfg.Port()
	if err != nil {
		return fmt.Errorf("resolving listen port: %w", err)
	}
	advertisedURL, err := cfg.AdvertisedURL()
	if err != nil {
		return fmt.Errorf("building advertised url: %w", err)
	}

	var set adapterSet
	switch cfg.Adapter {
	case "tgi":
		set = tgiAdapter()
	default:
		set = helloworldAdapter()
	}

	auth := authdata.New()
	keyClient := &http.Client{Timeout: 10 * time.Second}
	publicKey, err := authdata.FetchPublicKey(keyClient, cfg.PublicKeyURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch control plane public key, all requests will be rejected")
	}
	auth.SetPublicKey(publicKey)

	m := metrics.New(nil)
	admission := gate.New()
	if cfg.AllowParallel {
		admission = gate.Disabled()
	}

	tel, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	modelClient := backend.NewModelClient(cfg.ModelServerAddr, &http.Client{})
	be := backend.New(auth, m, admission, modelClient, tel, *log)

	rep := reporter.New(m, &http.Client{}, cfg.ReportAddr, cfg.ContainerID, advertisedURL, *log)

	bench := benchmark.New(set.benchmarkTarget, modelClient, cfg.BenchmarkFile)
	tailer := logtail.New(cfg.ModelLog, set.logRules, bench, m, *log)

	modelHealthCheck := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := http.Get(cfg.ModelServerAddr + "/healthcheck")
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})

	srv := server.New(server.Config{
		Addr:     fmt.Sprintf(":%d", port),
		UseTLS:   cfg.UseSSL,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	}, be, set.routes, tel, modelHealthCheck, *log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rep.Run(gctx) })
	g.Go(func() error { return tailer.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	log.Info().Str("url", advertisedURL).Str("adapter", cfg.Adapter).Msg("pyworker ready")

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("a background task failed: %w", err)
	}
	log.Info().Msg("pyworker stopped")
	return nil
}
