package pipeline

import (
	"fmt"
	"reflect"
	"testing"
)

func TestSampleSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		pct  float64
		want int
	}{
		{n: 5, pct: 1, want: 5},
		{n: 10, pct: 0.01, want: 10},
		{n: 30, pct: 1, want: 10},
		{n: 1000, pct: 2.5, want: 25},
		{n: 1000, pct: 0.5, want: 10},
		{n: 999, pct: 50, want: 499},
		{n: 40, pct: 100, want: 40},
	}
	for _, tt := range tests {
		if got := SampleSize(tt.n, tt.pct); got != tt.want {
			t.Errorf("SampleSize(%d, %v) = %d, want %d", tt.n, tt.pct, got, tt.want)
		}
	}
}

func TestSample(t *testing.T) {
	t.Parallel()
	corpus := make([]string, 200)
	index := make(map[string]int, len(corpus))
	for i := range corpus {
		corpus[i] = fmt.Sprintf("t%d", i)
		index[corpus[i]] = i
	}
	cfg := Config{SamplePercentage: 10, Seed: 7}
	got := sample(corpus, cfg)
	if len(got) != 20 {
		t.Fatalf("sample has %d items, want 20", len(got))
	}
	for i := 1; i < len(got); i++ {
		if index[got[i-1]] >= index[got[i]] {
			t.Fatalf("sample not in corpus order or has duplicates: %v", got)
		}
	}
	if again := sample(corpus, cfg); !reflect.DeepEqual(got, again) {
		t.Error("same seed produced a different sample")
	}
	cfg.Seed = 8
	if other := sample(corpus, cfg); reflect.DeepEqual(got, other) {
		t.Error("different seeds produced the same sample")
	}
	if full := sample(corpus, Config{SamplePercentage: 100}); len(full) != len(corpus) {
		t.Errorf("100%% sample has %d items", len(full))
	}
}
