package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/inkforge/pkg/analysis"
	"github.com/cuemby/inkforge/pkg/blobstore"
	"github.com/cuemby/inkforge/pkg/config"
	"github.com/cuemby/inkforge/pkg/containerrunner"
	"github.com/cuemby/inkforge/pkg/log"
	"github.com/cuemby/inkforge/pkg/logfanin"
	"github.com/cuemby/inkforge/pkg/metrics"
	"github.com/cuemby/inkforge/pkg/pipeline"
	"github.com/cuemby/inkforge/pkg/queue"
	"github.com/cuemby/inkforge/pkg/storage"
	"github.com/cuemby/inkforge/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build worker: lease sessions and run them to completion",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("database", true, "connected")

	blobs, err := blobstore.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init object storage client: %w", err)
	}
	metrics.RegisterComponent("blobstore", true, "configured")

	runner, err := containerrunner.New(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer runner.Close()
	metrics.RegisterComponent("containerd", true, "connected")

	logBroker := logfanin.New(store)
	logBroker.Start()
	defer logBroker.Stop()

	analysisPool := analysis.NewPool(int64(cfg.Builder.AnalysisWorkers))

	leaser := queue.New(store.DB())

	pl := pipeline.New(runner, blobs, analysisPool, logBroker, store, cfg.Builder, cfg.Builder.AllowedToolchains)

	sup := supervisor.New(leaser, pl, cfg.Builder.WorkerCount)
	sup.Start(ctx)
	defer sup.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)

	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
	go serveMetrics(cfg.MetricsAddr, pprofEnabled)

	log.Info(fmt.Sprintf("inkforge worker started with %d workers", cfg.Builder.WorkerCount))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return nil
}

func serveMetrics(addr string, pprofEnabled bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	if pprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server error", err)
	}
}
