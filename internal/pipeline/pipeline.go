// Package pipeline turns a corpus of short texts into labeled clusters of
// near-duplicates.
//
// A run moves through a fixed sequence of stages: the embedding backend is
// made ready, every text is embedded, all pairs are scored by cosine
// similarity, items are merged by the size-capped greedy clusterer and each
// cluster is labeled. [Pipeline.Run] executes a run on the calling goroutine;
// [Pipeline.Start] executes it on a background goroutine and delivers
// progress and the outcome as ordered [Event] values.
//
// A Pipeline executes at most one run at a time. Requests made while a run is
// active fail with [ErrRunActive].
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/contentid/internal/label"
	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/pkg/provider/embeddings"
)

// DefaultEventBuffer is the capacity of the event channel returned by Start.
const DefaultEventBuffer = 64

// BackendFactory builds a ready-to-use embedding provider. It is called once
// per run during the modelLoading stage.
type BackendFactory func(ctx context.Context) (embeddings.Provider, error)

// Pipeline runs clustering jobs. It is safe for concurrent use.
type Pipeline struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory

	delegate   label.Delegate
	labelOpts  []label.Option
	metrics    *observe.Metrics
	buffer     int
	simChunk   int
	mergeChunk int

	active atomic.Bool
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithBackend registers an embedding backend factory under name.
func WithBackend(name string, f BackendFactory) Option {
	return func(p *Pipeline) { p.backends[name] = f }
}

// WithProvider registers an already constructed provider under name.
func WithProvider(name string, provider embeddings.Provider) Option {
	return WithBackend(name, func(context.Context) (embeddings.Provider, error) { return provider, nil })
}

// WithDelegate sets the capability used for generated labels.
func WithDelegate(d label.Delegate) Option {
	return func(p *Pipeline) { p.delegate = d }
}

// WithLabelOptions passes options to the labeler of every run.
func WithLabelOptions(opts ...label.Option) Option {
	return func(p *Pipeline) { p.labelOpts = append(p.labelOpts, opts...) }
}

// WithMetrics records run metrics on m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEventBuffer sets the capacity of the channel returned by Start.
func WithEventBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithChunkSizes sets how many similarity pairs and merge attempts are
// processed between cancellation checks.
func WithChunkSizes(pairs, merges int) Option {
	return func(p *Pipeline) {
		p.simChunk = pairs
		p.mergeChunk = merges
	}
}

// New returns a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		backends: make(map[string]BackendFactory),
		buffer:   DefaultEventBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// RegisterBackend adds or replaces a backend factory.
func (p *Pipeline) RegisterBackend(name string, f BackendFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[name] = f
}

// Backends returns the registered backend names in sorted order.
func (p *Pipeline) Backends() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.backends))
	for n := range p.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Active reports whether a run is in progress.
func (p *Pipeline) Active() bool { return p.active.Load() }

// Run executes a run on the calling goroutine. progress may be nil.
//
// Configuration problems are reported before any progress with an error
// wrapping [ErrInvalidConfig]. When ctx is cancelled Run returns ctx.Err()
// and no result. Stage failures are returned as [*StageError].
func (p *Pipeline) Run(ctx context.Context, corpus []string, cfg Config, progress ProgressFunc) (*Result, error) {
	j, err := p.prepare(corpus, cfg)
	if err != nil {
		return nil, err
	}
	if !p.active.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}
	defer p.active.Store(false)
	return j.execute(ctx, progress)
}

// Event is one message of an asynchronous run. Exactly one of Progress,
// Result and Err is set. A Result or Err event is the last event of its run.
type Event struct {
	Progress *Progress
	Result   *Result
	Err      error
}

// Terminal reports whether e ends its run.
func (e Event) Terminal() bool { return e.Result != nil || e.Err != nil }

// RunHandle controls an asynchronous run.
type RunHandle struct {
	id     string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the run's identifier, shared by all its events.
func (h *RunHandle) ID() string { return h.id }

// Events returns the run's ordered event stream. The channel is closed after
// the terminal event, or without one when the run was cancelled. The Pipeline
// is released before the channel closes; a caller that stops reading at the
// terminal event must wait on [RunHandle.Done] before starting another run.
func (h *RunHandle) Events() <-chan Event { return h.events }

// Cancel requests cancellation. Work stops at the next check point and no
// further events are delivered. Cancel may be called more than once.
func (h *RunHandle) Cancel() { h.cancel() }

// Done is closed when the run has released the Pipeline.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Start validates the request and begins the run on a new goroutine. It
// returns without blocking. Cancelling ctx cancels the run.
func (p *Pipeline) Start(ctx context.Context, corpus []string, cfg Config) (*RunHandle, error) {
	j, err := p.prepare(corpus, cfg)
	if err != nil {
		return nil, err
	}
	if !p.active.CompareAndSwap(false, true) {
		return nil, ErrRunActive
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		id:     j.id,
		events: make(chan Event, p.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	send := func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		select {
		case h.events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(h.done)
		defer close(h.events)
		defer p.active.Store(false)
		defer cancel()

		res, err := j.execute(ctx, func(pr Progress) { send(Event{Progress: &pr}) })
		switch {
		case ctx.Err() != nil:
		case err != nil:
			send(Event{Err: err})
		default:
			send(Event{Result: res})
		}
	}()
	return h, nil
}

// prepare validates the request and resolves everything a run needs.
func (p *Pipeline) prepare(corpus []string, cfg Config) (*job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("%w: corpus is empty", ErrInvalidConfig)
	}
	p.mu.RLock()
	factory, ok := p.backends[cfg.EmbeddingBackend]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownBackend, cfg.EmbeddingBackend)
	}

	items := sample(corpus, cfg)
	if limit := cfg.maxItems(); limit > 0 && len(items) > limit {
		return nil, fmt.Errorf("%w: %d items exceed the limit of %d; lower the sample percentage or raise max_items",
			ErrInvalidConfig, len(items), limit)
	}

	j := &job{
		id:         uuid.NewString(),
		cfg:        cfg,
		items:      items,
		corpusSize: len(corpus),
		factory:    factory,
		metrics:    p.metrics,
		simChunk:   p.simChunk,
		mergeChunk: p.mergeChunk,
	}
	labelOpts := slices.Clone(p.labelOpts)
	if cfg.UseGeneratedLabels && p.delegate != nil {
		labelOpts = append(labelOpts, label.WithDelegate(instrumentDelegate(p.delegate, p.metrics)))
	}
	j.labeler = label.New(labelOpts...)
	j.delegateMissing = cfg.UseGeneratedLabels && p.delegate == nil
	return j, nil
}
