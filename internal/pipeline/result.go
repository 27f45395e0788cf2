package pipeline

import (
	"github.com/MrWong99/contentid/internal/cluster"
	"github.com/MrWong99/contentid/internal/label"
)

// Cluster is one group of the result.
type Cluster struct {
	ID int `json:"id"`
	// Members are indices into Result.Items. Members[0] is the
	// first-assigned member.
	Members            []int        `json:"members"`
	Texts              []string     `json:"texts"`
	Label              string       `json:"label"`
	LabelSource        label.Source `json:"label_source"`
	RepresentativeText string       `json:"representative_text"`
}

// Size returns the number of members.
func (c Cluster) Size() int { return len(c.Members) }

// Stats summarises a result.
type Stats struct {
	ClusterCount   int     `json:"cluster_count"`
	AverageSize    float64 `json:"average_size"`
	LargestSize    int     `json:"largest_size"`
	SingletonCount int     `json:"singleton_count"`
	// ItemCount is the number of processed items, after sampling.
	ItemCount int `json:"item_count"`
}

// Result is the outcome of a successful run. The pipeline keeps no reference
// to it.
type Result struct {
	RunID    string    `json:"run_id"`
	Clusters []Cluster `json:"clusters"`
	// Assignments maps each processed text to its cluster ID. A text that
	// occurs more than once maps to the cluster of its first occurrence.
	Assignments map[string]int `json:"assignments"`
	Stats       Stats          `json:"stats"`
	// Items are the processed texts in corpus order.
	Items []string `json:"-"`
}

func buildResult(runID string, items []string, clusters []cluster.Cluster, labels []label.Label) *Result {
	res := &Result{
		RunID:       runID,
		Clusters:    make([]Cluster, len(clusters)),
		Assignments: make(map[string]int, len(items)),
		Items:       items,
	}
	owner := make([]int, len(items))
	for i, c := range clusters {
		texts := make([]string, len(c.Members))
		for k, m := range c.Members {
			texts[k] = items[m]
			owner[m] = c.ID
		}
		res.Clusters[i] = Cluster{
			ID:                 c.ID,
			Members:            c.Members,
			Texts:              texts,
			Label:              labels[i].Text,
			LabelSource:        labels[i].Source,
			RepresentativeText: texts[0],
		}
		res.Stats.LargestSize = max(res.Stats.LargestSize, c.Size())
		if c.Size() == 1 {
			res.Stats.SingletonCount++
		}
	}
	for i, text := range items {
		if _, seen := res.Assignments[text]; !seen {
			res.Assignments[text] = owner[i]
		}
	}
	res.Stats.ClusterCount = len(clusters)
	res.Stats.ItemCount = len(items)
	if len(clusters) > 0 {
		res.Stats.AverageSize = float64(len(items)) / float64(len(clusters))
	}
	return res
}
