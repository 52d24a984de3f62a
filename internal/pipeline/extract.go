package pipeline

import (
	"context"

	"github.com/ligustah/csda/internal/stac"
)

// ExtractLinks turns every asset of every item on the received pages into
// a download link, skipping filenames already recorded in seen. Assets of
// an item are visited in key order. Assets whose href has no filename are
// ignored. out is closed on return.
func ExtractLinks(ctx context.Context, pages <-chan *stac.ItemCollection, out chan<- stac.DownloadLink, baseURL string, seen *Seen) error {
	defer close(out)

	ctx, span := tracer.Start(ctx, "pipeline.extract_links")
	defer span.End()

	for {
		var page *stac.ItemCollection
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-pages:
			if !ok {
				return nil
			}
			page = p
		}

		for i := range page.Features {
			item := &page.Features[i]
			for _, key := range item.AssetKeys() {
				asset := item.Assets[key]
				name := asset.Filename()
				if name == "" || !seen.Add(name) {
					continue
				}

				select {
				case out <- stac.NewDownloadLink(baseURL, item, asset):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
