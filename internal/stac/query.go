package stac

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError reports a query parameter that can never produce a valid
// search.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BBox is a WGS84 bounding box in degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// World covers the whole globe.
var World = BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}

func (b BBox) validate() error {
	switch {
	case b.MinLat < -90 || b.MinLat > 90:
		return &ValidationError{Field: "min-latitude", Reason: "must be within [-90, 90]"}
	case b.MaxLat < -90 || b.MaxLat > 90:
		return &ValidationError{Field: "max-latitude", Reason: "must be within [-90, 90]"}
	case b.MinLon < -180 || b.MinLon > 180:
		return &ValidationError{Field: "min-longitude", Reason: "must be within [-180, 180]"}
	case b.MaxLon < -180 || b.MaxLon > 180:
		return &ValidationError{Field: "max-longitude", Reason: "must be within [-180, 180]"}
	case b.MinLat > b.MaxLat:
		return &ValidationError{Field: "max-latitude", Reason: "min-latitude must be <= max-latitude"}
	case b.MinLon > b.MaxLon:
		return &ValidationError{Field: "max-longitude", Reason: "min-longitude must be <= max-longitude"}
	}
	return nil
}

// SearchQuery is a validated search. The zero value is not valid; use
// NewSearchQuery.
type SearchQuery struct {
	start    time.Time
	end      time.Time
	bbox     BBox
	products []string
	pageSize int
}

// NewSearchQuery validates the parameters and returns the query.
// Empty product names are dropped.
func NewSearchQuery(start, end time.Time, bbox BBox, products []string, pageSize int) (SearchQuery, error) {
	if start.After(end) {
		return SearchQuery{}, &ValidationError{Field: "end-date", Reason: "start-date must be <= end-date"}
	}
	if err := bbox.validate(); err != nil {
		return SearchQuery{}, err
	}
	if pageSize < 1 {
		return SearchQuery{}, &ValidationError{Field: "page size", Reason: "must be at least 1"}
	}

	var names []string
	for _, p := range products {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}

	return SearchQuery{
		start:    start.UTC(),
		end:      end.UTC(),
		bbox:     bbox,
		products: names,
		pageSize: pageSize,
	}, nil
}

// ParseProducts splits a comma separated product list.
func ParseProducts(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (q SearchQuery) Start() time.Time   { return q.start }
func (q SearchQuery) End() time.Time     { return q.end }
func (q SearchQuery) BBox() BBox         { return q.bbox }
func (q SearchQuery) PageSize() int      { return q.pageSize }
func (q SearchQuery) Products() []string { return slices.Clone(q.products) }

// String identifies the query in logs and errors.
func (q SearchQuery) String() string {
	s := fmt.Sprintf("%s/%s bbox=[%g,%g,%g,%g]",
		q.start.Format(time.RFC3339), q.end.Format(time.RFC3339),
		q.bbox.MinLon, q.bbox.MinLat, q.bbox.MaxLon, q.bbox.MaxLat)
	if len(q.products) > 0 {
		s += " products=" + strings.Join(q.products, ",")
	}
	return s
}

type searchBody struct {
	Datetime string                         `json:"datetime"`
	BBox     [4]float64                     `json:"bbox"`
	Limit    int                            `json:"limit"`
	Query    map[string]map[string][]string `json:"query,omitempty"`
}

// MarshalJSON renders the STAC API search request body.
func (q SearchQuery) MarshalJSON() ([]byte, error) {
	body := searchBody{
		Datetime: q.start.Format(time.RFC3339) + "/" + q.end.Format(time.RFC3339),
		BBox:     [4]float64{q.bbox.MinLon, q.bbox.MinLat, q.bbox.MaxLon, q.bbox.MaxLat},
		Limit:    q.pageSize,
	}
	if len(q.products) > 0 {
		body.Query = map[string]map[string][]string{
			"product": {"in": q.products},
		}
	}
	return json.Marshal(body)
}
