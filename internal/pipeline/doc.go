// Package pipeline moves search results through three stages connected by
// channels:
//
//	queries -> Search -> pages -> ExtractLinks -> links -> Download -> results
//
// Search and Download fan out with an errgroup limited to a configurable
// number of concurrent catalog calls. ExtractLinks is sequential and owns
// the Seen set that keeps each filename from being emitted twice.
//
// Each stage closes its output channel when it returns and selects on the
// context for every send and receive, so cancelling the context drains the
// whole pipeline.
//
// # Failures
//
// A failed query ends the Search stage with a *SearchError. A failed file
// is reported as a Result carrying a *DownloadError while the other files
// continue. Run stops feeding new work after the first failure, waits for
// the downloads already started and returns that failure.
//
// # Usage
//
//	opts := pipeline.OptionsFromSettings(settings)
//	opts.Mode = pipeline.ModeDownload
//	opts.Prefix = destination.Default
//	opts.OnResult = func(r pipeline.Result) { fmt.Println(r.Path) }
//
//	err := pipeline.Run(ctx, client, []stac.SearchQuery{q}, opts)
package pipeline
