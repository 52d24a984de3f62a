package pipeline

import (
	"fmt"

	"github.com/ligustah/csda/internal/stac"
)

// SearchError is returned when a query could not be completed.
type SearchError struct {
	Query stac.SearchQuery
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %s: %v", e.Query, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// DownloadError is returned when a single file could not be stored.
type DownloadError struct {
	Link stac.DownloadLink
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Link.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
