// Package label assigns human-readable labels to clusters.
//
// Singletons are labeled with their (truncated) text. Larger clusters get a
// keyword label built from token frequencies, or, when a [Delegate] is
// configured, a label produced by an external capability from a small sample
// of member texts. Delegate failures never fail labeling: the cluster falls
// back to its keyword label. Delegate calls go through a circuit breaker so a
// dead backend is not called once per cluster.
package label

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/internal/resilience"
)

// ErrEmptyLabel is returned when a delegate produces no usable label.
var ErrEmptyLabel = errors.New("label: delegate returned an empty label")

const (
	// MaxSample is the largest number of texts passed to a delegate.
	MaxSample = 5
	// MaxLabelRunes caps the length of a delegated label.
	MaxLabelRunes = 80
	// DefaultConcurrency is the number of delegate calls in flight.
	DefaultConcurrency = 4
)

// Delegate produces a short label for a sample of cluster texts.
type Delegate interface {
	LabelSample(ctx context.Context, texts []string) (string, error)
}

// DelegateFunc adapts a function to [Delegate].
type DelegateFunc func(ctx context.Context, texts []string) (string, error)

// LabelSample calls f.
func (f DelegateFunc) LabelSample(ctx context.Context, texts []string) (string, error) {
	return f(ctx, texts)
}

// Source tells how a label was produced.
type Source string

const (
	SourceSingleton Source = "singleton"
	SourceKeywords  Source = "keywords"
	SourceDelegate  Source = "delegate"
	// SourceFallback marks a keyword label used because the delegate failed.
	SourceFallback Source = "fallback"
)

// Group is the input for one cluster.
type Group struct {
	ID    int
	Texts []string
}

// Label is the output for one cluster.
type Label struct {
	Text   string
	Source Source
}

// ProgressFunc receives the number of clusters labeled so far and the total.
// Calls are serialised and done increases monotonically.
type ProgressFunc func(done, total int)

// Labeler labels clusters. It is safe for concurrent use.
type Labeler struct {
	delegate    Delegate
	breaker     *resilience.CircuitBreaker
	concurrency int
	sample      int
	timeout     time.Duration
}

// Option is a functional option for [Labeler].
type Option func(*config)

type config struct {
	delegate    Delegate
	breaker     resilience.CircuitBreakerConfig
	concurrency int
	sample      int
	timeout     time.Duration
}

// WithDelegate enables delegated labeling of multi-member clusters.
func WithDelegate(d Delegate) Option {
	return func(c *config) { c.delegate = d }
}

// WithBreaker tunes the breaker guarding delegate calls.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = cfg }
}

// WithConcurrency sets the number of delegate calls in flight.
func WithConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithSampleSize sets how many texts a delegate receives, at most MaxSample.
func WithSampleSize(n int) Option {
	return func(c *config) { c.sample = n }
}

// WithTimeout bounds each delegate call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New returns a Labeler.
func New(opts ...Option) *Labeler {
	cfg := config{
		concurrency: DefaultConcurrency,
		sample:      MaxSample,
		breaker:     resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.sample < 1 || cfg.sample > MaxSample {
		cfg.sample = MaxSample
	}
	if cfg.breaker.Name == "" {
		cfg.breaker.Name = "label-delegate"
	}
	l := &Labeler{
		delegate:    cfg.delegate,
		concurrency: cfg.concurrency,
		sample:      cfg.sample,
		timeout:     cfg.timeout,
	}
	if l.delegate != nil {
		l.breaker = resilience.NewCircuitBreaker(cfg.breaker)
	}
	return l
}

// Delegated reports whether a delegate is configured.
func (l *Labeler) Delegated() bool { return l.delegate != nil }

// Label returns one label per group, in order. It fails when a group has no
// texts or when ctx is done, in which case it returns ctx.Err().
func (l *Labeler) Label(ctx context.Context, groups []Group, progress ProgressFunc) ([]Label, error) {
	out := make([]Label, len(groups))
	var (
		mu   sync.Mutex
		done int
	)
	report := func() {
		if progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		progress(done, len(groups))
	}

	for _, grp := range groups {
		if len(grp.Texts) == 0 {
			return nil, fmt.Errorf("label: cluster %d has no texts", grp.ID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, grp := range groups {
		if err := gctx.Err(); err != nil {
			break
		}
		if len(grp.Texts) == 1 {
			out[i] = Label{Text: Singleton(grp.Texts[0]), Source: SourceSingleton}
			report()
			continue
		}
		if l.delegate == nil {
			out[i] = Label{Text: Keywords(grp.ID, grp.Texts), Source: SourceKeywords}
			report()
			continue
		}
		g.Go(func() error {
			lbl, err := l.delegated(gctx, grp)
			if err != nil {
				return err
			}
			out[i] = lbl
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// delegated asks the delegate for a label and falls back to keywords on any
// failure other than cancellation of ctx.
func (l *Labeler) delegated(ctx context.Context, grp Group) (Label, error) {
	sample := grp.Texts[:min(l.sample, len(grp.Texts))]
	var text string
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		if l.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		raw, err := l.delegate.LabelSample(ctx, sample)
		if err != nil {
			return err
		}
		text = Clean(raw)
		if text == "" {
			return ErrEmptyLabel
		}
		return nil
	})
	if err == nil {
		return Label{Text: text, Source: SourceDelegate}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Label{}, ctxErr
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		observe.Logger(ctx).Warn("label delegate failed, using keywords",
			"cluster_id", grp.ID, "error", err)
	}
	return Label{Text: Keywords(grp.ID, grp.Texts), Source: SourceFallback}, nil
}

// Clean normalises a delegated label: first non-empty line, surrounding
// quotes and a leading "Label:" removed, at most MaxLabelRunes characters.
func Clean(raw string) string {
	var line string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && !strings.HasPrefix(l, "```") {
			line = l
			break
		}
	}
	if len(line) >= 6 && strings.EqualFold(line[:6], "label:") {
		line = strings.TrimSpace(line[6:])
	}
	line = strings.Trim(line, "\"'`*")
	line = strings.TrimSpace(strings.TrimRight(line, "."))
	if utf8.RuneCountInString(line) > MaxLabelRunes {
		line = string([]rune(line)[:MaxLabelRunes])
	}
	return line
}
