// Package annotate produces short human-readable summaries for chunks.
//
// Annotation is best effort. Every failure of the summarizer (timeout,
// empty reply, open circuit) degrades to a deterministic fallback sentence,
// so callers never see an error from Annotate.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/chunk"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/metrics"
)

// DefaultTimeout bounds one summarizer call.
const DefaultTimeout = 30 * time.Second

// ErrNoSummary is returned by summarizers that decline to produce text.
var ErrNoSummary = errors.New("no summary produced")

// Summarizer drafts an annotation for one chunk.
type Summarizer interface {
	Summarize(ctx context.Context, text, module string, seq int) (string, error)
}

// NoopSummarizer always declines, so every chunk gets the fallback annotation.
type NoopSummarizer struct{}

// Summarize implements Summarizer.
func (NoopSummarizer) Summarize(context.Context, string, string, int) (string, error) {
	return "", ErrNoSummary
}

// Fallback is the annotation used when summarization fails.
func Fallback(module string, seq int) string {
	return fmt.Sprintf("This is the %dth chunk file of the %s package.", seq, module)
}

// Options configures an Annotator.
type Options struct {
	// Workers bounds concurrent summarizer calls. Default runtime.NumCPU().
	Workers int
	// Timeout bounds each summarizer call. Default DefaultTimeout.
	Timeout time.Duration
}

// Annotator runs a Summarizer over chunks with bounded parallelism.
type Annotator struct {
	summarizer Summarizer
	workers    int
	timeout    time.Duration
	breaker    *agenterrors.CircuitBreaker
}

// New creates an Annotator. A nil summarizer behaves like NoopSummarizer.
func New(s Summarizer, opts Options) *Annotator {
	if s == nil {
		s = NoopSummarizer{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Annotator{
		summarizer: s,
		workers:    opts.Workers,
		timeout:    opts.Timeout,
		breaker: agenterrors.NewCircuitBreaker("summarizer",
			agenterrors.WithMaxFailures(5),
			agenterrors.WithResetTimeout(time.Minute)),
	}
}

// Workers returns the pool size.
func (a *Annotator) Workers() int { return a.workers }

// Annotate returns a summary of c, or the fallback text on any failure.
func (a *Annotator) Annotate(ctx context.Context, c *chunk.Chunk) string {
	if _, noop := a.summarizer.(NoopSummarizer); noop {
		metrics.AnnotationsTotal.WithLabelValues("fallback").Inc()
		return Fallback(c.Module, c.Seq)
	}

	summary, err := agenterrors.Execute(a.breaker, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		s, err := a.summarizer.Summarize(callCtx, c.Text(), c.Module, c.Seq)
		if err != nil {
			return "", err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrNoSummary
		}
		return s, nil
	})
	if err != nil {
		slog.Debug("summarizer failed, using fallback annotation",
			slog.String("module", c.Module),
			slog.Int("seq", c.Seq),
			slog.String("error", err.Error()))
		metrics.AnnotationsTotal.WithLabelValues("fallback").Inc()
		return Fallback(c.Module, c.Seq)
	}

	metrics.AnnotationsTotal.WithLabelValues("summary").Inc()
	return summary
}

// Task pairs a chunk with the store path its annotation belongs to.
type Task struct {
	Path  string
	Chunk *chunk.Chunk
}

// WriteFunc persists the annotation for the chunk at path.
type WriteFunc func(path, text string) error

// AnnotateAll annotates every task on the worker pool and writes each result
// as soon as it is ready. Completion order is unspecified. Only write
// failures are returned, joined.
func (a *Annotator) AnnotateAll(ctx context.Context, tasks []Task, write WriteFunc) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(a.workers)

	for _, t := range tasks {
		g.Go(func() error {
			text := a.Annotate(ctx, t.Chunk)
			if err := write(t.Path, text); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("write annotation for %s: %w", t.Path, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// Job is a running AnnotateAll.
type Job struct {
	done chan struct{}
	err  error
}

// Start runs AnnotateAll in the background. The caller must Wait on the
// returned job before treating the chunks as fully onboarded.
func (a *Annotator) Start(ctx context.Context, tasks []Task, write WriteFunc) *Job {
	j := &Job{done: make(chan struct{})}
	go func() {
		defer close(j.done)
		j.err = a.AnnotateAll(ctx, tasks, write)
	}()
	return j
}

// Wait blocks until every task has finished and returns joined write errors.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}
