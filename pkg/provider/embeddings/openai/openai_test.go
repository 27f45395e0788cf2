package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// embeddingsServer answers POST /embeddings by returning, for every input,
// a vector of [len(text), index]. Responses are emitted in reverse order so
// the provider has to honour the index field.
func embeddingsServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(len(req.Input[i])), float64(i)},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := embeddingsServer(t, &calls)
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	want := [][]float32{{1, 0}, {3, 1}, {2, 2}}
	if len(vecs) != len(want) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(want))
	}
	for i := range want {
		if vecs[i][0] != want[i][0] || vecs[i][1] != want[i][1] {
			t.Errorf("vector %d = %v, want %v", i, vecs[i], want[i])
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request, got %d", calls.Load())
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbedBatch_ServerErrorFailsBatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected error from failing server")
	}
	if vecs != nil {
		t.Errorf("expected nil vectors on error, got %v", vecs)
	}
}

func TestEmbedBatch_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := embeddingsServer(t, &calls)
	defer srv.Close()

	// One request per hour: the second call must block on the limiter.
	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0), WithRateLimit(1.0/3600, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"first"}); err != nil {
		t.Fatalf("first EmbedBatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.EmbedBatch(ctx, []string{"second"}); err == nil {
		t.Fatal("expected rate limiter error for second call")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request to reach the server, got %d", calls.Load())
	}
}

func TestNew_BatchSize(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.PreferredBatchSize() != DefaultBatchSize {
		t.Errorf("PreferredBatchSize() = %d, want %d", p.PreferredBatchSize(), DefaultBatchSize)
	}
	p, err = New("sk-test", "", WithBatchSize(7))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.PreferredBatchSize() != 7 {
		t.Errorf("PreferredBatchSize() = %d, want 7", p.PreferredBatchSize())
	}
	if _, err := New("sk-test", "", WithBatchSize(0)); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
		"some-future-model":      0,
	}
	for model, want := range cases {
		if got := modelDimensions(model); got != want {
			t.Errorf("modelDimensions(%q) = %d, want %d", model, got, want)
		}
		p := &Provider{model: model}
		if p.Dimensions() != want {
			t.Errorf("Dimensions() for %q = %d, want %d", model, p.Dimensions(), want)
		}
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	t.Parallel()
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i, v := range out {
		if v != float32(in[i]) {
			t.Errorf("index %d: expected %v, got %v", i, float32(in[i]), v)
		}
	}
}
