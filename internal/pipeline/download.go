package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/csda/internal/stac"
)

// Downloader stores the file behind a link under the given destination
// template. written is false when the file already existed and was kept.
type Downloader interface {
	DownloadFile(ctx context.Context, link stac.DownloadLink, prefix string) (path string, written bool, err error)
}

// Result is the outcome for a single link.
type Result struct {
	Link    stac.DownloadLink
	Path    string
	Written bool
	Err     error
}

// Download hands every link received on links to the catalog, at most
// limit at a time, and sends one Result per link to out. A failing link
// does not stop the others: every link already received is still
// downloaded, and the first *DownloadError is returned once all of them
// have finished. Links cut short by cancellation produce no Result. out is
// closed on return.
func Download(ctx context.Context, catalog Downloader, links <-chan stac.DownloadLink, out chan<- Result, prefix string, limit int) error {
	defer close(out)

	ctx, span := tracer.Start(ctx, "pipeline.download", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	g.SetLimit(max(limit, 1))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case link, ok := <-links:
			if !ok {
				break loop
			}
			g.Go(func() error {
				res := downloadOne(ctx, catalog, link, prefix)
				if ctx.Err() != nil {
					return nil
				}
				if res.Err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = res.Err
					}
					mu.Unlock()
				}
				select {
				case out <- res:
				case <-ctx.Done():
				}
				return nil
			})
		}
	}

	g.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func downloadOne(ctx context.Context, catalog Downloader, link stac.DownloadLink, prefix string) Result {
	path, written, err := catalog.DownloadFile(ctx, link, prefix)
	if err != nil {
		return Result{Link: link, Err: &DownloadError{Link: link, Err: err}}
	}
	return Result{Link: link, Path: path, Written: written}
}
