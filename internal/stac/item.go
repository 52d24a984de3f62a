package stac

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ItemCollection is one page of search results.
type ItemCollection struct {
	Type           string          `json:"type"`
	Features       []Item          `json:"features"`
	Links          []Link          `json:"links,omitempty"`
	NumberMatched  *int            `json:"numberMatched,omitempty"`
	NumberReturned *int            `json:"numberReturned,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// Next returns the rel=next pagination link, if the page has one.
func (c *ItemCollection) Next() (Link, bool) {
	for _, l := range c.Links {
		if l.Rel == "next" {
			return l, true
		}
	}
	return Link{}, false
}

// Item is a single catalog feature.
type Item struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Collection string           `json:"collection,omitempty"`
	Properties Properties       `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
	Geometry   json.RawMessage  `json:"geometry,omitempty"`
	BBox       []float64        `json:"bbox,omitempty"`
	Links      []Link           `json:"links,omitempty"`
}

// AssetKeys returns the asset names in sorted order.
func (i *Item) AssetKeys() []string {
	return slices.Sorted(maps.Keys(i.Assets))
}

// Properties holds the item fields used for templating. Every other
// property is kept in Extra so a page can be written back out unchanged.
type Properties struct {
	Datetime time.Time
	Receiver string
	Product  string
	Extra    map[string]json.RawMessage
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["datetime"]; ok {
		var s *string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("properties.datetime: %w", err)
		}
		if s != nil {
			t, err := time.Parse(time.RFC3339Nano, *s)
			if err != nil {
				return fmt.Errorf("properties.datetime: %w", err)
			}
			p.Datetime = t
		}
		delete(raw, "datetime")
	}
	for key, dst := range map[string]*string{"receiver": &p.Receiver, "product": &p.Product} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("properties.%s: %w", key, err)
		}
		delete(raw, key)
	}

	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Datetime.IsZero() {
		out["datetime"] = nil
	} else {
		out["datetime"] = p.Datetime.Format(time.RFC3339Nano)
	}
	if p.Receiver != "" {
		out["receiver"] = p.Receiver
	}
	if p.Product != "" {
		out["product"] = p.Product
	}
	return json.Marshal(out)
}

// Asset is a downloadable file referenced by an Item.
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Filename is the last path segment of the href. Query strings and
// fragments are not part of it. "." and ".." yield an empty name.
func (a Asset) Filename() string {
	href := a.Href
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	name := href[strings.LastIndex(href, "/")+1:]
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// Link is a STAC link object. Method, Body and Merge describe how to
// follow a pagination link that needs a POST.
type Link struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Type   string          `json:"type,omitempty"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Merge  bool            `json:"merge,omitempty"`
}
