package pipeline

import (
	"context"
	"iter"

	"github.com/ligustah/csda/internal/metrics"
	"github.com/ligustah/csda/internal/stac"
)

// instrumented records in-flight searches and download outcomes.
type instrumented struct {
	Catalog
	metrics *metrics.Metrics
}

func (c instrumented) Search(ctx context.Context, q stac.SearchQuery) iter.Seq2[*stac.ItemCollection, error] {
	return func(yield func(*stac.ItemCollection, error) bool) {
		c.metrics.SearchStarted()
		defer c.metrics.SearchFinished()
		for page, err := range c.Catalog.Search(ctx, q) {
			if !yield(page, err) {
				return
			}
		}
	}
}

func (c instrumented) DownloadFile(ctx context.Context, link stac.DownloadLink, prefix string) (string, bool, error) {
	c.metrics.DownloadStarted()
	path, written, err := c.Catalog.DownloadFile(ctx, link, prefix)
	switch {
	case err != nil:
		c.metrics.DownloadFinished("failed")
	case written:
		c.metrics.DownloadFinished("written")
	default:
		c.metrics.DownloadFinished("skipped")
	}
	return path, written, err
}
