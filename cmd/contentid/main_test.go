package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/contentid/internal/config"
	"github.com/MrWong99/contentid/internal/health"
	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/internal/pipeline"
	"github.com/MrWong99/contentid/pkg/provider/embeddings/hashing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanLines(t *testing.T) {
	t.Parallel()
	got, err := scanLines(strings.NewReader("  first post \n\n\t\nsecond post\r\nthird"))
	if err != nil {
		t.Fatalf("scanLines: %v", err)
	}
	want := []string{"first post", "second post", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("scanLines = %q, want %q", got, want)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	if _, _, err := parseFlags([]string{"-config", "x.yaml"}, &stderr); err == nil {
		t.Error("missing -input accepted")
	}
	f, set, err := parseFlags([]string{"-input", "in.txt", "-threshold", "0.7", "-generated-labels"}, &stderr)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if f.inputPath != "in.txt" || f.threshold != 0.7 || !f.generatedLabels {
		t.Errorf("flags = %+v", f)
	}
	if !set["threshold"] || !set["generated-labels"] || set["max-size"] {
		t.Errorf("set flags = %v", set)
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  embeddings:\n    - name: hashing\n    - id: other\n      name: hashing\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	f := &flags{threshold: 0.6, maxSize: 3, sample: 50, backend: "other", seed: 9}
	set := map[string]bool{"threshold": true, "max-size": true, "sample": true, "backend": true, "seed": true}
	if err := applyOverrides(cfg, f, set); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	pc := pipelineConfig(cfg)
	if pc.SimilarityThreshold != 0.6 || pc.MaxClusterSize != 3 || pc.SamplePercentage != 50 ||
		pc.EmbeddingBackend != "other" || pc.Seed != 9 || pc.MaxItems != config.DefaultMaxItems {
		t.Errorf("pipeline config = %+v", pc)
	}

	f.threshold = 2
	if err := applyOverrides(cfg, f, set); err == nil {
		t.Error("invalid override accepted")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if got := reg.EmbeddingsNames(); !reflect.DeepEqual(got, []string{"hashing", "ollama", "openai"}) {
		t.Errorf("embeddings = %v", got)
	}
	if got := len(reg.LLMNames()); got != 9 {
		t.Errorf("registered %d labeler vendors, want 9", got)
	}

	p, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "hashing", Options: map[string]any{"dimensions": 64}})
	if err != nil {
		t.Fatalf("CreateEmbeddings(hashing): %v", err)
	}
	if hp, ok := p.(*hashing.Provider); !ok || hp.Dimensions() != 64 {
		t.Errorf("hashing provider = %#v", p)
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "hashing", Options: map[string]any{"dimensions": "big"}}); err == nil {
		t.Error("invalid option accepted")
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}); err != nil {
		t.Errorf("CreateLLM(openai): %v", err)
	}
}

func TestBuildPipeline_Labeler(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  embeddings:
    - name: hashing
  labeler:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
    - id: backup
      name: openai
      api_key: sk-test
      model: gpt-4o
clustering:
  use_generated_labels: true
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	chain, err := buildLabeler(cfg.Providers.Labeler, reg)
	if err != nil {
		t.Fatalf("buildLabeler: %v", err)
	}
	if got := chain.Names(); !reflect.DeepEqual(got, []string{"openai", "backup"}) {
		t.Errorf("labeler chain = %v", got)
	}
	pl, err := buildPipeline(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	if got := pl.Backends(); !reflect.DeepEqual(got, []string{"hashing"}) {
		t.Errorf("backends = %v", got)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cfg.yaml", `
server:
  log_level: error
providers:
  embeddings:
    - name: hashing
clustering:
  similarity_threshold: 0.8
  max_cluster_size: 10
`)
	input := writeFile(t, dir, "corpus.txt", "hello world\nhello world!\n\ntotally different\n")
	output := filepath.Join(dir, "result.json")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-input", input, "-output", output}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr:\n%s", code, stderr.String())
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.RunID == "" || res.Stats.ClusterCount != 2 || res.Stats.ItemCount != 3 {
		t.Errorf("result = %+v", res)
	}
	if res.Assignments["hello world"] != res.Assignments["hello world!"] {
		t.Errorf("near duplicates split: %v", res.Assignments)
	}
	if res.Assignments["hello world"] == res.Assignments["totally different"] {
		t.Errorf("unrelated texts merged: %v", res.Assignments)
	}
	if !strings.Contains(string(data), `"representative_text"`) {
		t.Error("output misses representative_text")
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cfg.yaml", "providers:\n  embeddings:\n    - name: hashing\n")
	empty := writeFile(t, dir, "empty.txt", "\n\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no input flag", []string{"-config", cfgPath}, 2},
		{"missing config", []string{"-config", filepath.Join(dir, "none.yaml"), "-input", empty}, 1},
		{"missing input", []string{"-config", cfgPath, "-input", filepath.Join(dir, "none.txt")}, 1},
		{"empty corpus", []string{"-config", cfgPath, "-input", empty}, 1},
		{"bad override", []string{"-config", cfgPath, "-input", empty, "-max-size", "0"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(context.Background(), tt.args, &stdout, &stderr); got != tt.want {
				t.Errorf("exit code = %d, want %d; stderr:\n%s", got, tt.want, stderr.String())
			}
		})
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cfg.yaml", "server:\n  log_level: error\nproviders:\n  embeddings:\n    - name: hashing\n")
	input := writeFile(t, dir, "corpus.txt", "one\ntwo\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	if got := run(ctx, []string{"-config", cfgPath, "-input", input}, &stdout, &stderr); got != exitCancelled {
		t.Errorf("exit code = %d, want %d", got, exitCancelled)
	}
	if stdout.Len() != 0 {
		t.Errorf("cancelled run wrote output: %s", stdout.String())
	}
}

func TestConsume_FeedsProbe(t *testing.T) {
	t.Parallel()
	hp, err := hashing.New()
	if err != nil {
		t.Fatal(err)
	}
	pl := pipeline.New(pipeline.WithProvider("hashing", hp))
	probe := health.NewProbe()

	res, err := consume(context.Background(), pl, []string{"a storm is coming", "a storm is coming!"}, pipeline.DefaultConfig("hashing"), probe)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Stats.ClusterCount != 1 {
		t.Errorf("clusters = %d, want 1", res.Stats.ClusterCount)
	}
	if ok, reason := probe.Ready(); !ok {
		t.Errorf("probe not ready after run: %s", reason)
	}
	if st := probe.Snapshot(); st.Stage != pipeline.StageComplete || st.RunID != res.RunID {
		t.Errorf("probe status = %+v", st)
	}

	if _, err := consume(context.Background(), pl, nil, pipeline.DefaultConfig("hashing"), probe); err == nil {
		t.Fatal("empty corpus accepted")
	}
	if ok, _ := probe.Ready(); ok {
		t.Error("probe ready after failed start")
	}
}

func TestListenerMux(t *testing.T) {
	t.Parallel()
	probe := health.NewProbe()
	srv := httptest.NewServer(listenerMux(observe.DefaultMetrics(), probe))
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Errorf("/metrics = %d:\n%s", code, body)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before a run = %d, want 503", code)
	}

	probe.Observe(pipeline.Progress{RunID: "r1", Stage: pipeline.StageEmbedding, Percent: 30})
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz during embedding = %d, want 200", code)
	}
	if code, body := get("/status"); code != http.StatusOK || !strings.Contains(body, `"stage":"embedding"`) {
		t.Errorf("/status = %d: %s", code, body)
	}
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
}

// Not parallel: installs global telemetry providers.
func TestRun_WithMetricsListener(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cfg.yaml", `
server:
  log_level: error
  metrics_addr: "127.0.0.1:0"
providers:
  embeddings:
    - name: hashing
`)
	input := writeFile(t, dir, "corpus.txt", "storm warning issued\nstorm warning issued!\nbudget passes\n")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", cfgPath, "-input", input}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr:\n%s", code, stderr.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.Stats.ItemCount != 3 || res.Stats.ClusterCount != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestRun_MetricsAddrInUse(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { busy.Close() })

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cfg.yaml", "server:\n  metrics_addr: \""+busy.Addr().String()+"\"\nproviders:\n  embeddings:\n    - name: hashing\n")
	input := writeFile(t, dir, "corpus.txt", "one\ntwo\n")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-config", cfgPath, "-input", input}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1; stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "failed to start metrics listener") {
		t.Errorf("stderr misses the listener failure:\n%s", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("failed run wrote output: %s", stdout.String())
	}
}
