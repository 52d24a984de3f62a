package catalog

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// OpenBucket opens the download destination. An empty storage means the
// current directory; a plain path is a local directory, created if
// missing; anything with a scheme (file://, s3://, gs://, mem://) is
// opened as a bucket URL.
func OpenBucket(ctx context.Context, storage string) (*blob.Bucket, error) {
	if strings.Contains(storage, "://") {
		bucket, err := blob.OpenBucket(ctx, storage)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", storage, err)
		}
		return bucket, nil
	}

	dir := storage
	if dir == "" {
		dir = "."
	}
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{
		CreateDir: true,
		// Local downloads should look like plain files, without
		// .attrs sidecars next to them.
		Metadata: fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", dir, err)
	}
	return bucket, nil
}
