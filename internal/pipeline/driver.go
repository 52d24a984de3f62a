package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ligustah/csda/internal/config"
	"github.com/ligustah/csda/internal/metrics"
	"github.com/ligustah/csda/internal/stac"
)

var tracer = otel.Tracer("github.com/ligustah/csda/internal/pipeline")

// Mode selects how far the pipeline runs.
type Mode string

const (
	// ModeDownload runs search, extraction and download.
	ModeDownload Mode = "download"
	// ModeList stops after extraction.
	ModeList Mode = "list"
	// ModeRaw stops after search.
	ModeRaw Mode = "raw"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDownload, ModeList, ModeRaw:
		return m, nil
	}
	return "", &stac.ValidationError{Field: "mode", Reason: fmt.Sprintf("must be one of download, list, raw; got %q", s)}
}

// Catalog is everything the pipeline needs from the catalog client.
type Catalog interface {
	Searcher
	Downloader
	BaseURL() string
}

// Options configures a run.
type Options struct {
	Mode Mode

	// Limit stops the run after this many results from the last stage:
	// pages in raw mode, links in list mode, files in download mode.
	// Zero means no limit.
	Limit int

	// Prefix is the destination template for downloads.
	Prefix string

	ConcurrentSearches  int
	ConcurrentDownloads int

	// BufferSize is the capacity of the channels between stages.
	BufferSize int

	// DedupCapacity bounds the filename set; zero or less is unbounded.
	DedupCapacity int

	// Handlers for the results of the last stage. Only the one matching
	// Mode is called, always from the goroutine that called Run.
	OnPage   func(*stac.ItemCollection) error
	OnLink   func(stac.DownloadLink) error
	OnResult func(Result)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// OptionsFromSettings fills the tuning fields from settings.
func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Mode:                ModeDownload,
		ConcurrentSearches:  s.ConcurrentSearches,
		ConcurrentDownloads: s.ConcurrentDownloads,
		BufferSize:          s.ItemBufferSize,
		DedupCapacity:       s.MaxDeduplicationCache,
	}
}

// Run executes queries through the stages selected by opts.Mode.
//
// The first search or download failure stops searching and extraction;
// downloads already handed to the download stage run to completion and
// the first failure is returned. Reaching opts.Limit cancels everything
// that is still running and returns nil. An error returned by a handler
// is treated like a failure.
func Run(ctx context.Context, catalog Catalog, queries []stac.SearchQuery, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics != nil {
		catalog = instrumented{Catalog: catalog, metrics: opts.Metrics}
	}

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("mode", string(opts.Mode)),
		attribute.Int("queries", len(queries)),
		attribute.Int("limit", opts.Limit),
	))
	defer span.End()

	r := &run{opts: opts}
	err := r.execute(ctx, catalog, queries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("results", r.count))
	return err
}

type run struct {
	opts  Options
	count int

	mu       sync.Mutex
	firstErr error
}

// fail records err if it is the first failure.
func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
}

func (r *run) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

func (r *run) execute(ctx context.Context, catalog Catalog, queries []stac.SearchQuery) error {
	// runCtx is cancelled when the limit is reached, upCtx additionally on
	// the first failure.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	upCtx, cancelUp := context.WithCancel(runCtx)
	defer cancelUp()

	var wg sync.WaitGroup
	stage := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn()
			if err == nil || (upCtx.Err() != nil && isContextErr(err)) {
				return
			}
			r.opts.Logger.Error(name+" failed", "error", err)
			r.fail(err)
			cancelUp()
		}()
	}
	defer wg.Wait()

	buffer := max(r.opts.BufferSize, 0)

	queryCh := make(chan stac.SearchQuery)
	pages := make(chan *stac.ItemCollection, buffer)
	stage("feed", func() error { return feed(upCtx, queries, queryCh) })
	stage("search", func() error {
		return Search(upCtx, catalog, queryCh, pages, r.opts.ConcurrentSearches)
	})

	if r.opts.Mode == ModeRaw {
		consume(r, "output", cancelRun, cancelUp, pages, func(page *stac.ItemCollection) error {
			return call(r.opts.OnPage, page)
		})
		return r.finish(ctx, &wg)
	}

	links := make(chan stac.DownloadLink, buffer)
	seen := NewSeen(r.opts.DedupCapacity, r.opts.Metrics)
	stage("extract", func() error {
		return ExtractLinks(upCtx, pages, links, catalog.BaseURL(), seen)
	})

	if r.opts.Mode == ModeList {
		consume(r, "output", cancelRun, cancelUp, links, func(link stac.DownloadLink) error {
			return call(r.opts.OnLink, link)
		})
		return r.finish(ctx, &wg)
	}

	results := make(chan Result, buffer)
	// Download failures are reported through results, so the stage's
	// return value only matters for cancellation.
	wg.Add(1)
	go func() {
		defer wg.Done()
		Download(runCtx, catalog, links, results, r.opts.Prefix, r.opts.ConcurrentDownloads)
	}()

	// Failed results reach OnResult before they stop the run.
	consume(r, "download", cancelRun, cancelUp, results, func(res Result) error {
		if r.opts.OnResult != nil {
			r.opts.OnResult(res)
		}
		return res.Err
	})
	return r.finish(ctx, &wg)
}

// consume feeds every value from ch to handle until the limit is reached
// or ch is closed. A handler error is recorded as a failure, cancels the
// upstream stages and consumption continues so results already in flight
// are delivered.
func consume[T any](r *run, name string, cancelRun, cancelUp context.CancelFunc, ch <-chan T, handle func(T) error) {
	for v := range ch {
		if err := handle(v); err != nil {
			r.opts.Logger.Error(name+" failed", "error", err)
			r.fail(err)
			cancelUp()
			continue
		}
		r.count++
		if r.opts.Limit > 0 && r.count >= r.opts.Limit {
			cancelRun()
			return
		}
	}
}

func (r *run) finish(ctx context.Context, wg *sync.WaitGroup) error {
	wg.Wait()
	if err := r.err(); err != nil {
		return err
	}
	if r.opts.Limit > 0 && r.count >= r.opts.Limit {
		return nil
	}
	return ctx.Err()
}

func feed(ctx context.Context, queries []stac.SearchQuery, out chan<- stac.SearchQuery) error {
	defer close(out)
	for _, q := range queries {
		select {
		case out <- q:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func call[T any](fn func(T) error, v T) error {
	if fn == nil {
		return nil
	}
	return fn(v)
}
