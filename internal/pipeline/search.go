package pipeline

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/csda/internal/stac"
)

// Searcher runs a single query, yielding its pages in order.
type Searcher interface {
	Search(ctx context.Context, q stac.SearchQuery) iter.Seq2[*stac.ItemCollection, error]
}

// Search runs every query received on queries with at most limit in flight
// and sends their pages to out as they arrive. Pages of one query keep
// their order; pages of different queries interleave. The first failed
// query cancels the others and is returned as a *SearchError. out is
// closed on return.
func Search(ctx context.Context, catalog Searcher, queries <-chan stac.SearchQuery, out chan<- *stac.ItemCollection, limit int) error {
	defer close(out)

	ctx, span := tracer.Start(ctx, "pipeline.search", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case q, ok := <-queries:
			if !ok {
				break loop
			}
			// Blocks until a slot is free.
			g.Go(func() error {
				return searchOne(gctx, catalog, q, out)
			})
		}
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func searchOne(ctx context.Context, catalog Searcher, q stac.SearchQuery, out chan<- *stac.ItemCollection) error {
	for page, err := range catalog.Search(ctx, q) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &SearchError{Query: q, Err: err}
		}
		select {
		case out <- page:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
