package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/contentid/internal/cluster"
	"github.com/MrWong99/contentid/internal/label"
	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/internal/similarity"
	"github.com/MrWong99/contentid/pkg/provider/embeddings"
)

// job is one validated run.
type job struct {
	id         string
	cfg        Config
	items      []string
	corpusSize int
	factory    BackendFactory
	labeler    *label.Labeler
	metrics    *observe.Metrics
	simChunk   int
	mergeChunk int

	delegateMissing bool
}

func (j *job) execute(ctx context.Context, progress ProgressFunc) (res *Result, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", j.id),
		attribute.Int("items", len(j.items)),
		attribute.String("backend", j.cfg.EmbeddingBackend),
	))
	j.metrics.ActiveRuns.Add(ctx, 1)
	start := time.Now()
	log := observe.Logger(ctx).With("run_id", j.id)
	defer func() {
		j.metrics.ActiveRuns.Add(ctx, -1)
		status := "completed"
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
			res, err = nil, ctx.Err()
		case err != nil:
			status = "failed"
		}
		j.metrics.RecordRun(ctx, status)
		if status == "cancelled" {
			observe.EndSpan(span, nil)
		} else {
			observe.EndSpan(span, err)
		}
		log.Info("run finished", "status", status, "duration", time.Since(start))
	}()

	log.Info("run started", "items", len(j.items), "corpus", j.corpusSize,
		"threshold", j.cfg.SimilarityThreshold, "max_cluster_size", j.cfg.MaxClusterSize)
	if j.delegateMissing {
		log.Warn("generated labels requested but no label delegate is configured; using keyword labels")
	}
	rep := newReporter(j.id, progress)

	var provider embeddings.Provider
	if err := j.stage(ctx, StageModelLoading, func(ctx context.Context) error {
		var err error
		provider, err = j.loadModel(ctx, rep)
		return err
	}); err != nil {
		return nil, err
	}

	var vectors [][]float32
	if err := j.stage(ctx, StageEmbedding, func(ctx context.Context) error {
		var err error
		vectors, err = j.embed(ctx, provider, rep)
		return err
	}); err != nil {
		return nil, err
	}

	var matrix *similarity.Matrix
	if err := j.stage(ctx, StageSimilarity, func(ctx context.Context) error {
		var err error
		matrix, err = j.score(ctx, vectors, rep)
		return err
	}); err != nil {
		return nil, err
	}

	var clusters []cluster.Cluster
	if err := j.stage(ctx, StageClustering, func(ctx context.Context) error {
		var err error
		clusters, err = j.cluster(ctx, matrix, rep)
		return err
	}); err != nil {
		return nil, err
	}

	var labels []label.Label
	if err := j.stage(ctx, StageLabeling, func(ctx context.Context) error {
		var err error
		labels, err = j.label(ctx, clusters, rep)
		return err
	}); err != nil {
		return nil, err
	}

	res = buildResult(j.id, j.items, clusters, labels)
	j.metrics.RecordClusters(ctx, res.Stats.SingletonCount, res.Stats.ClusterCount-res.Stats.SingletonCount)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep.complete(fmt.Sprintf("%d clusters from %d items", res.Stats.ClusterCount, res.Stats.ItemCount),
		res.Stats.ClusterCount)
	return res, nil
}

// stage runs fn inside a span, records its duration and tags failures with
// the stage. Cancellation is returned untagged.
func (j *job) stage(ctx context.Context, s Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(s))
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	j.metrics.RecordStage(ctx, string(s), d)

	if cerr := ctx.Err(); cerr != nil {
		observe.EndSpan(span, nil)
		return cerr
	}
	if err != nil {
		observe.EndSpan(span, err)
		return stageErr(s, err)
	}
	observe.EndSpan(span, nil)
	observe.Logger(ctx).Debug("stage finished", "run_id", j.id, "stage", string(s), "duration", d)
	return nil
}

func (j *job) loadModel(ctx context.Context, rep *reporter) (embeddings.Provider, error) {
	rep.begin(StageModelLoading, fmt.Sprintf("preparing %s backend", j.cfg.EmbeddingBackend), 0)
	p, err := j.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", j.cfg.EmbeddingBackend, err)
	}
	if p == nil {
		return nil, fmt.Errorf("create backend %q: factory returned no provider", j.cfg.EmbeddingBackend)
	}
	if w, ok := p.(embeddings.Warmer); ok {
		err := w.Warm(ctx)
		j.metrics.RecordProviderRequest(ctx, j.cfg.EmbeddingBackend, "warm", err)
		if err != nil {
			return nil, fmt.Errorf("warm up %s: %w", p.ModelID(), err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep.end(fmt.Sprintf("model %s ready", p.ModelID()), 0, 0)
	return p, nil
}

func (j *job) embed(ctx context.Context, p embeddings.Provider, rep *reporter) ([][]float32, error) {
	n := len(j.items)
	batch := j.cfg.BatchSize
	if batch <= 0 {
		batch = embeddings.BatchSize(p)
	}
	rep.begin(StageEmbedding, fmt.Sprintf("embedding %d texts", n), n)

	out := make([][]float32, 0, n)
	dims := 0
	for lo := 0; lo < n; lo += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+batch, n)
		vecs, err := p.EmbedBatch(ctx, j.items[lo:hi])
		j.metrics.RecordProviderRequest(ctx, j.cfg.EmbeddingBackend, "embeddings", err)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", lo, hi, err)
		}
		if len(vecs) != hi-lo {
			return nil, fmt.Errorf("batch %d-%d: provider returned %d vectors for %d texts", lo, hi, len(vecs), hi-lo)
		}
		for k, v := range vecs {
			if dims == 0 {
				dims = len(v)
			}
			if len(v) == 0 || len(v) != dims {
				return nil, fmt.Errorf("item %d: vector has %d dimensions, expected %d", lo+k, len(v), dims)
			}
		}
		out = append(out, vecs...)
		j.metrics.ItemsEmbedded.Add(ctx, int64(len(vecs)))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep.step(fmt.Sprintf("embedded %d of %d texts", hi, n), hi, n, 0)
	}
	rep.end(fmt.Sprintf("embedded %d texts", n), n, 0)
	return out, nil
}

func (j *job) score(ctx context.Context, vectors [][]float32, rep *reporter) (*similarity.Matrix, error) {
	pairs := similarity.PairCount(len(vectors))
	rep.begin(StageSimilarity, fmt.Sprintf("scoring %d pairs", pairs), pairs)
	opts := []similarity.Option{similarity.WithProgress(func(done, total int) {
		if ctx.Err() == nil {
			rep.step(fmt.Sprintf("scored %d of %d pairs", done, total), done, total, 0)
		}
	})}
	if j.simChunk > 0 {
		opts = append(opts, similarity.WithChunkSize(j.simChunk))
	}
	m, err := similarity.Build(ctx, vectors, opts...)
	if err != nil {
		return nil, err
	}
	rep.end(fmt.Sprintf("scored %d pairs", pairs), pairs, 0)
	return m, nil
}

func (j *job) cluster(ctx context.Context, m *similarity.Matrix, rep *reporter) ([]cluster.Cluster, error) {
	rep.begin(StageClustering, "collecting merge candidates", 0)
	var st cluster.Stats
	opts := []cluster.Option{
		cluster.WithStats(&st),
		cluster.WithProgress(func(done, total, clusters int) {
			if ctx.Err() == nil {
				rep.step(fmt.Sprintf("processed %d of %d merge candidates", done, total), done, total, clusters)
			}
		}),
	}
	if j.mergeChunk > 0 {
		opts = append(opts, cluster.WithChunkSize(j.mergeChunk))
	}
	clusters, err := cluster.Run(ctx, m, j.cfg.SimilarityThreshold, j.cfg.MaxClusterSize, opts...)
	if err != nil {
		return nil, err
	}
	observe.Logger(ctx).Debug("clustering finished", "run_id", j.id,
		"candidates", st.Candidates, "merges", st.Merges, "cap_skips", st.CapSkips, "clusters", len(clusters))
	rep.end(fmt.Sprintf("%d clusters", len(clusters)), st.Candidates, len(clusters))
	return clusters, nil
}

func (j *job) label(ctx context.Context, clusters []cluster.Cluster, rep *reporter) ([]label.Label, error) {
	n := len(clusters)
	rep.begin(StageLabeling, fmt.Sprintf("labeling %d clusters", n), n)
	groups := make([]label.Group, n)
	for i, c := range clusters {
		texts := make([]string, len(c.Members))
		for k, m := range c.Members {
			texts[k] = j.items[m]
		}
		groups[i] = label.Group{ID: c.ID, Texts: texts}
	}
	labels, err := j.labeler.Label(ctx, groups, func(done, total int) {
		if ctx.Err() == nil {
			rep.step(fmt.Sprintf("labeled %d of %d clusters", done, total), done, total, n)
		}
	})
	if err != nil {
		return nil, err
	}
	rep.end(fmt.Sprintf("labeled %d clusters", n), n, n)
	return labels, nil
}

// instrumentDelegate counts delegate calls as labeler provider requests.
func instrumentDelegate(d label.Delegate, m *observe.Metrics) label.Delegate {
	return label.DelegateFunc(func(ctx context.Context, texts []string) (string, error) {
		out, err := d.LabelSample(ctx, texts)
		if !errors.Is(err, context.Canceled) {
			m.RecordProviderRequest(ctx, "label-delegate", "labeler", err)
		}
		return out, err
	})
}
