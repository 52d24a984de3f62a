// Package stac models the subset of the STAC API used by the catalog:
// search requests, result pages, items and their assets, and the
// download links derived from them.
//
// # Usage
//
//	q, err := stac.NewSearchQuery(start, end, stac.World, []string{"radio_occultation"}, 100)
//	if err != nil {
//	    var verr *stac.ValidationError
//	    errors.As(err, &verr) // bad parameter, nothing was sent
//	}
//
//	for _, item := range page.Features {
//	    for _, key := range item.AssetKeys() {
//	        link := stac.NewDownloadLink(baseURL, &item, item.Assets[key])
//	    }
//	}
package stac
