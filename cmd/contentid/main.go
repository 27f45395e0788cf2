// Command contentid clusters near-duplicate texts.
//
// It reads one text per non-blank line, runs the clustering pipeline with the
// backends from the configuration file and writes the result as JSON:
//
//	contentid -config config.yaml -input posts.txt [-output result.json]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/contentid/internal/config"
	"github.com/MrWong99/contentid/internal/health"
	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/internal/pipeline"
)

// exitCancelled is returned when the run was interrupted by a signal.
const exitCancelled = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	configPath string
	inputPath  string
	outputPath string

	threshold       float64
	maxSize         int
	sample          float64
	backend         string
	generatedLabels bool
	seed            uint64
}

func parseFlags(args []string, stderr io.Writer) (*flags, map[string]bool, error) {
	fs := flag.NewFlagSet("contentid", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "config.yaml", "path to the YAML configuration file")
	fs.StringVar(&f.inputPath, "input", "", "newline-delimited corpus file, - for stdin")
	fs.StringVar(&f.outputPath, "output", "", "result file (default stdout)")
	fs.Float64Var(&f.threshold, "threshold", 0, "override clustering.similarity_threshold")
	fs.IntVar(&f.maxSize, "max-size", 0, "override clustering.max_cluster_size")
	fs.Float64Var(&f.sample, "sample", 0, "override clustering.sample_percentage")
	fs.StringVar(&f.backend, "backend", "", "override clustering.embedding_backend")
	fs.BoolVar(&f.generatedLabels, "generated-labels", false, "override clustering.use_generated_labels")
	fs.Uint64Var(&f.seed, "seed", 0, "override clustering.seed")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if f.inputPath == "" {
		return nil, nil, errors.New("-input is required")
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// applyOverrides copies explicitly set flags into cfg and validates again.
func applyOverrides(cfg *config.Config, f *flags, set map[string]bool) error {
	c := &cfg.Clustering
	if set["threshold"] {
		c.SimilarityThreshold = f.threshold
	}
	if set["max-size"] {
		c.MaxClusterSize = f.maxSize
	}
	if set["sample"] {
		c.SamplePercentage = f.sample
	}
	if set["backend"] {
		c.EmbeddingBackend = f.backend
	}
	if set["generated-labels"] {
		c.UseGeneratedLabels = f.generatedLabels
	}
	if set["seed"] {
		c.Seed = f.seed
	}
	return config.Validate(cfg)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, set, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "contentid: %v\n", err)
		return 2
	}

	cfg, err := config.Load(f.configPath)
	if err == nil {
		err = applyOverrides(cfg, f, set)
	}
	if err != nil {
		fmt.Fprintf(stderr, "contentid: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(stderr, cfg.Server.LogLevel))

	corpus, err := readCorpus(f.inputPath)
	if err != nil {
		slog.Error("failed to read corpus", "input", f.inputPath, "err", err)
		return 1
	}

	// Bind first so an unusable address fails before any telemetry or work.
	var ln net.Listener
	if cfg.Server.MetricsAddr != "" {
		if ln, err = net.Listen("tcp", cfg.Server.MetricsAddr); err != nil {
			slog.Error("failed to start metrics listener", "addr", cfg.Server.MetricsAddr, "err", err)
			return 1
		}
		defer ln.Close()
	}

	metrics := observe.DefaultMetrics()
	if ln != nil {
		shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "contentid"})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown failed", "err", err)
			}
		}()
		if metrics, err = observe.NewMetrics(otel.GetMeterProvider()); err != nil {
			slog.Error("failed to create metrics", "err", err)
			return 1
		}
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	pl, err := buildPipeline(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	slog.Info("contentid starting",
		"config", f.configPath,
		"items", len(corpus),
		"backend", cfg.Clustering.EmbeddingBackend,
		"threshold", cfg.Clustering.SimilarityThreshold,
		"max_cluster_size", cfg.Clustering.MaxClusterSize,
		"sample_percentage", cfg.Clustering.SamplePercentage,
	)

	var res *pipeline.Result
	var g errgroup.Group
	probe := health.NewProbe()
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var (
		srv      *http.Server
		serveErr error
	)
	if ln != nil {
		srv = &http.Server{Handler: listenerMux(metrics, probe), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("metrics listener started", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr = fmt.Errorf("metrics listener: %w", err)
				stopRun()
				return serveErr
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
		}()
		var err error
		res, err = consume(runCtx, pl, corpus, pipelineConfig(cfg), probe)
		return err
	})

	err = g.Wait()
	if serveErr != nil {
		// The listener cancelled the run; report its failure, not the cancel.
		err = serveErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		slog.Warn("run cancelled")
		return exitCancelled
	case err != nil:
		slog.Error("run failed", "err", err)
		return 1
	}

	if err := writeResult(f.outputPath, stdout, res); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	slog.Info("run complete",
		"run_id", res.RunID,
		"clusters", res.Stats.ClusterCount,
		"singletons", res.Stats.SingletonCount,
		"largest", res.Stats.LargestSize,
	)
	return 0
}

// listenerMux serves metrics and the run probes.
func listenerMux(m *observe.Metrics, probe *health.Probe) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler(m))
	probe.Register(mux)
	return mux
}

// consume starts a run and follows its events until the outcome, mirroring
// them into probe. A run that ends without a terminal event was cancelled.
func consume(ctx context.Context, pl *pipeline.Pipeline, corpus []string, cfg pipeline.Config, probe *health.Probe) (*pipeline.Result, error) {
	h, err := pl.Start(ctx, corpus, cfg)
	if err != nil {
		probe.Fail(err)
		return nil, err
	}
	defer h.Cancel()

	var stage pipeline.Stage
	for ev := range h.Events() {
		switch {
		case ev.Err != nil:
			probe.Fail(ev.Err)
			return nil, ev.Err
		case ev.Result != nil:
			return ev.Result, nil
		}
		p := ev.Progress
		probe.Observe(*p)
		if p.Stage != stage {
			stage = p.Stage
			slog.Info("stage", "run_id", p.RunID, "stage", p.Stage, "message", p.Message)
			continue
		}
		slog.Debug("progress", "run_id", p.RunID, "stage", p.Stage, "percent", p.Percent,
			"current", p.CurrentItem, "total", p.TotalItems, "clusters", p.ClusterCount)
	}
	return nil, context.Canceled
}

func newLogger(w io.Writer, level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
