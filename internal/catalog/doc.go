// Package catalog is the client for the CSDA STAC catalog.
//
// A Client owns one authenticated session: the shared HTTP connection
// pool, the token source and the destination bucket. It offers paginated
// search and file download; the pipeline package composes the two.
//
// Downloads are written through gocloud.dev/blob, so the destination can
// be a local directory or any bucket URL the blob package understands:
//
//	./data                 local directory
//	s3://bucket?region=... Amazon S3 or an S3 compatible store
//	gs://bucket            Google Cloud Storage
//	mem://                 in memory, for tests
//
// # Usage
//
//	client, err := catalog.Open(ctx, settings, catalog.WithOverwrite(false))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	for page, err := range client.Search(ctx, query) {
//	    if err != nil {
//	        return err
//	    }
//	    // page.Features ...
//	}
package catalog
