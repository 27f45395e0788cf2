package pipeline

// Stage names a pipeline phase. Stages run in declaration order.
type Stage string

const (
	StageModelLoading Stage = "modelLoading"
	StageEmbedding    Stage = "embedding"
	StageSimilarity   Stage = "similarity"
	StageClustering   Stage = "clustering"
	StageLabeling     Stage = "labeling"
	StageComplete     Stage = "complete"
)

// Progress describes how far a run has advanced within a stage.
type Progress struct {
	RunID   string
	Stage   Stage
	Percent int
	Message string
	// CurrentItem and TotalItems count units of the stage (texts, pairs,
	// merge candidates or clusters) when the stage has them.
	CurrentItem int
	TotalItems  int
	// ClusterCount is the number of clusters known so far, set from the
	// clustering stage on.
	ClusterCount int
}

// ProgressFunc receives progress of a synchronous run.
type ProgressFunc func(Progress)

// reporter throttles progress to one update per integer percent within a
// stage. The first and last update of a stage always pass.
type reporter struct {
	runID string
	emit  func(Progress)
	stage Stage
	last  int
}

func newReporter(runID string, emit func(Progress)) *reporter {
	return &reporter{runID: runID, emit: emit, last: -1}
}

// begin announces a stage at 0 percent.
func (r *reporter) begin(stage Stage, msg string, total int) {
	r.stage = stage
	r.last = 0
	r.send(Progress{Stage: stage, Message: msg, TotalItems: total})
}

// step reports done of total units of the current stage.
func (r *reporter) step(msg string, done, total, clusters int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}
	if pct <= r.last {
		return
	}
	r.last = pct
	r.send(Progress{
		Stage:        r.stage,
		Percent:      pct,
		Message:      msg,
		CurrentItem:  done,
		TotalItems:   total,
		ClusterCount: clusters,
	})
}

// end reports the current stage at 100 percent unless step already did.
func (r *reporter) end(msg string, total, clusters int) {
	if r.last == 100 {
		return
	}
	r.last = 100
	r.send(Progress{
		Stage:        r.stage,
		Percent:      100,
		Message:      msg,
		CurrentItem:  total,
		TotalItems:   total,
		ClusterCount: clusters,
	})
}

func (r *reporter) send(p Progress) {
	if r.emit == nil {
		return
	}
	p.RunID = r.runID
	r.emit(p)
}

// complete sends the single event of the complete stage.
func (r *reporter) complete(msg string, clusters int) {
	r.stage = StageComplete
	r.last = 100
	r.send(Progress{Stage: StageComplete, Percent: 100, Message: msg, ClusterCount: clusters})
}
