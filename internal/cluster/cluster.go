// Package cluster groups items by greedy, similarity-ordered agglomeration
// under a hard cap on cluster size.
//
// Every item starts as its own cluster. All pairs whose similarity reaches the
// threshold are merged in order of decreasing similarity, unless the merged
// cluster would exceed the cap. A pair rejected by the cap is never
// reconsidered, so two items above the threshold can still end up apart.
// Output is deterministic for a given matrix, threshold and cap.
package cluster

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/MrWong99/contentid/internal/similarity"
)

// DefaultChunkSize is the number of merge attempts between cancellation checks.
const DefaultChunkSize = 100

// Cluster is a finalised group of item indices.
type Cluster struct {
	// ID is the cluster's position in the result of Run.
	ID int
	// Members lists item indices. Members[0] is the first-assigned member.
	Members []int
}

// Size returns the number of members.
func (c Cluster) Size() int { return len(c.Members) }

// Candidate is a pair of items eligible for merging.
type Candidate struct {
	I, J int
	Sim  float32
}

// Stats reports what happened during a run.
type Stats struct {
	Candidates int
	Merges     int
	// CapSkips counts candidates dropped because merging would exceed the cap.
	CapSkips int
}

// ProgressFunc receives the number of candidates processed, the total, and
// the current number of clusters.
type ProgressFunc func(done, total, clusters int)

type runConfig struct {
	chunk    int
	progress ProgressFunc
	stats    *Stats
}

// Option configures Run.
type Option func(*runConfig)

// WithChunkSize sets the number of merge attempts between cancellation checks.
func WithChunkSize(n int) Option {
	return func(c *runConfig) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// WithProgress registers a progress callback, called after every chunk and
// once at the end.
func WithProgress(fn ProgressFunc) Option {
	return func(c *runConfig) { c.progress = fn }
}

// WithStats makes Run fill s.
func WithStats(s *Stats) Option {
	return func(c *runConfig) { c.stats = s }
}

// Candidates returns every pair with similarity >= threshold, ordered by
// similarity descending and then by (I, J) ascending.
func Candidates(ctx context.Context, m *similarity.Matrix, threshold float32) ([]Candidate, error) {
	var out []Candidate
	for i := 0; i < m.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.Row(i, func(j int, v float32) {
			if v >= threshold {
				out = append(out, Candidate{I: i, J: j, Sim: v})
			}
		})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Sim, a.Sim); c != 0 {
			return c
		}
		if c := cmp.Compare(a.I, b.I); c != 0 {
			return c
		}
		return cmp.Compare(a.J, b.J)
	})
	return out, nil
}

// Run clusters the items of m. maxSize must be at least 1.
//
// ctx is checked before every chunk of merge attempts; on cancellation Run
// returns ctx.Err() and no clusters. Clusters are returned in order of their
// lowest member index, with IDs 0..k-1 assigned in that order.
func Run(ctx context.Context, m *similarity.Matrix, threshold float64, maxSize int, opts ...Option) ([]Cluster, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("cluster: max cluster size must be at least 1, got %d", maxSize)
	}
	cfg := runConfig{chunk: DefaultChunkSize}
	for _, o := range opts {
		o(&cfg)
	}

	cands, err := Candidates(ctx, m, float32(threshold))
	if err != nil {
		return nil, err
	}

	f := newForest(m.Len())
	clusters := m.Len()
	var st Stats
	st.Candidates = len(cands)

	for k, c := range cands {
		if k%cfg.chunk == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if cfg.progress != nil && k > 0 {
				cfg.progress(k, len(cands), clusters)
			}
		}
		ri, rj := f.find(c.I), f.find(c.J)
		if ri == rj {
			continue
		}
		if f.size(ri)+f.size(rj) > maxSize {
			st.CapSkips++
			continue
		}
		f.union(ri, rj)
		clusters--
		st.Merges++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.progress != nil {
		cfg.progress(len(cands), len(cands), clusters)
	}
	if cfg.stats != nil {
		*cfg.stats = st
	}
	return collect(f), nil
}

// collect prunes absorbed roots and numbers the surviving clusters.
func collect(f *forest) []Cluster {
	out := make([]Cluster, 0)
	seen := make(map[int]struct{})
	for i := range f.parent {
		root := f.find(i)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		out = append(out, Cluster{ID: len(out), Members: f.members[root]})
	}
	return out
}
