package stac

import (
	"net/url"
	"strings"
	"time"
)

// DownloadLink is a resolved asset URL together with the item metadata used
// to build its destination path.
type DownloadLink struct {
	URL        string
	Filename   string
	Collection string
	Datetime   time.Time
	Receiver   string
	Product    string
}

// NewDownloadLink resolves asset against baseURL.
func NewDownloadLink(baseURL string, item *Item, asset Asset) DownloadLink {
	return DownloadLink{
		URL:        ResolveHref(baseURL, asset.Href),
		Filename:   asset.Filename(),
		Collection: item.Collection,
		Datetime:   item.Properties.Datetime,
		Receiver:   item.Properties.Receiver,
		Product:    item.Properties.Product,
	}
}

func (l DownloadLink) String() string {
	return l.URL
}

// ResolveHref returns href unchanged when it carries a scheme, and
// baseURL followed by href without its leading slashes otherwise.
// baseURL is expected to end in a slash.
func ResolveHref(baseURL, href string) string {
	if u, err := url.Parse(href); err == nil && u.IsAbs() {
		return href
	}
	return baseURL + strings.TrimLeft(href, "/")
}
