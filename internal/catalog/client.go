package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/csda/internal/auth"
	"github.com/ligustah/csda/internal/config"
	"github.com/ligustah/csda/internal/destination"
	csdahttp "github.com/ligustah/csda/internal/http"
	"github.com/ligustah/csda/internal/metrics"
	"github.com/ligustah/csda/internal/stac"
)

const tracerName = "github.com/ligustah/csda/internal/catalog"

// StorageError reports a failure writing to the destination bucket.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if code := e.Code(); code != gcerrors.Unknown {
		return fmt.Sprintf("storage %s (%s): %v", e.Key, code, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Key, e.Err)
}

// Code is the portable error code reported by the bucket driver, or
// gcerrors.Unknown.
func (e *StorageError) Code() gcerrors.ErrorCode {
	return gcerrors.Code(e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ByteCounter receives the size of every file written.
type ByteCounter interface {
	AddBytes(n int64)
}

// Option configures a Client.
type Option func(*Client)

// WithOverwrite controls whether existing objects are replaced. The
// default is true.
func WithOverwrite(overwrite bool) Option {
	return func(c *Client) { c.overwrite = overwrite }
}

// WithBucket stores downloads in bucket instead of opening one from the
// settings. The caller keeps ownership of bucket.
func WithBucket(bucket *blob.Bucket) Option {
	return func(c *Client) { c.bucket = bucket }
}

// WithTokenSource replaces the Cognito login.
func WithTokenSource(tokens csdahttp.TokenSource) Option {
	return func(c *Client) { c.tokens = tokens }
}

// WithMetrics records request and download metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithByteCounter reports written bytes to counter.
func WithByteCounter(counter ByteCounter) Option {
	return func(c *Client) { c.bytes = counter }
}

// Client is an authenticated session with the catalog. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	http       *csdahttp.Client
	tokens     csdahttp.TokenSource
	bucket     *blob.Bucket
	ownsBucket bool
	overwrite  bool
	metrics    *metrics.Metrics
	logger     *slog.Logger
	bytes      ByteCounter
	tracer     trace.Tracer

	mu        sync.Mutex
	templates map[string]*destination.Template
}

// Open starts a session. No request is made until the first call that
// needs one.
func Open(ctx context.Context, settings config.Settings, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:   settings.API,
		overwrite: true,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		templates: make(map[string]*destination.Template),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}

	if c.tokens == nil {
		c.tokens = auth.NewCognitoSource(settings, c.metrics)
	}
	if c.bucket == nil {
		bucket, err := OpenBucket(ctx, settings.Storage)
		if err != nil {
			return nil, err
		}
		c.bucket = bucket
		c.ownsBucket = true
	}

	c.http = csdahttp.NewClient(csdahttp.Options{
		MaxIdleConnsPerHost: settings.ConcurrentDownloads + settings.ConcurrentSearches,
		Timeout:             settings.RequestTimeout,
		RetryAttempts:       settings.Retry.Attempts,
		RetryBackoff:        settings.Retry.Backoff,
		RetryMaxBackoff:     settings.Retry.MaxBackoff,
		UseHTTP2:            settings.UseHTTP2,
		RequestsPerSecond:   settings.RequestsPerSecond,
		Tokens:              c.tokens,
		Metrics:             c.metrics,
	})

	return c, nil
}

// Close ends the session and closes the bucket if Open created it.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.ownsBucket {
		if err := c.bucket.Close(); err != nil {
			return fmt.Errorf("close bucket: %w", err)
		}
	}
	return nil
}

// BaseURL is the catalog root, always ending in a slash. Relative asset
// hrefs are resolved against it.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns a bearer token for the catalog.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// Search runs q and yields every result page in order, following the
// rel=next links. Iteration stops after the first error.
func (c *Client) Search(ctx context.Context, q stac.SearchQuery) iter.Seq2[*stac.ItemCollection, error] {
	return func(yield func(*stac.ItemCollection, error) bool) {
		method := http.MethodPost
		url := c.baseURL + "stac/search"
		var body any = q

		for n := 1; ; n++ {
			page, err := c.fetchPage(ctx, method, url, body, n)
			if err != nil {
				yield(nil, err)
				return
			}
			c.metrics.Page()
			c.logger.Debug("search page", "query", q.String(), "page", n, "items", len(page.Features))

			if !yield(page, nil) {
				return
			}

			next, ok := page.Next()
			if !ok || len(page.Features) == 0 {
				return
			}
			method, url, body, err = followNext(next, body)
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, method, url string, body any, n int) (*stac.ItemCollection, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.search_page",
		trace.WithAttributes(attribute.Int("page", n), attribute.String("http.method", method)))
	defer span.End()

	page := new(stac.ItemCollection)
	var err error
	if method == http.MethodGet {
		err = c.http.GetJSON(ctx, url, page)
	} else {
		err = c.http.PostJSON(ctx, url, body, page)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(page.Features)))
	return page, nil
}

// followNext derives the request for a pagination link. Links without a
// method are fetched with GET. A POST link without a body repeats the
// previous body; with merge set its body is overlaid on the previous one.
func followNext(next stac.Link, prev any) (method, url string, body any, err error) {
	method = strings.ToUpper(next.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet {
		return method, next.Href, nil, nil
	}

	switch {
	case len(next.Body) == 0:
		return method, next.Href, prev, nil
	case !next.Merge:
		return method, next.Href, next.Body, nil
	}

	merged := map[string]json.RawMessage{}
	data, err := json.Marshal(prev)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode previous search: %w", err)
	}
	if err := json.Unmarshal(data, &merged); err != nil {
		return "", "", nil, fmt.Errorf("decode previous search: %w", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(next.Body, &overlay); err != nil {
		return "", "", nil, fmt.Errorf("%w: next link body: %v", csdahttp.ErrMalformedResponse, err)
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return method, next.Href, merged, nil
}

// DownloadFile stores the file behind link under the key rendered from the
// prefix template. It returns the key and whether the file was written;
// with overwrite disabled an existing key is left alone and nothing is
// downloaded. A failed transfer never leaves a partial object behind.
func (c *Client) DownloadFile(ctx context.Context, link stac.DownloadLink, prefix string) (string, bool, error) {
	tmpl, err := c.template(prefix)
	if err != nil {
		return "", false, err
	}
	key := tmpl.Path(link)

	ctx, span := c.tracer.Start(ctx, "catalog.download",
		trace.WithAttributes(attribute.String("url", link.URL), attribute.String("key", key)))
	defer span.End()

	if !c.overwrite {
		exists, err := c.bucket.Exists(ctx, key)
		if err != nil {
			err = &StorageError{Key: key, Err: err}
			span.RecordError(err)
			return "", false, err
		}
		if exists {
			c.logger.Debug("skipping existing file", "key", key)
			span.SetAttributes(attribute.Bool("skipped", true))
			return key, false, nil
		}
	}

	var written int64
	err = c.http.Fetch(ctx, http.MethodGet, link.URL, nil, func(r io.Reader) error {
		n, err := c.write(ctx, key, r)
		written = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	c.metrics.BytesWritten(written)
	if c.bytes != nil {
		c.bytes.AddBytes(written)
	}
	span.SetAttributes(attribute.Int64("bytes", written))
	return key, true, nil
}

// write copies r into key. The object only becomes visible when the copy
// completes; on any error the writer is aborted by cancelling its context.
func (c *Client) write(ctx context.Context, key string, r io.Reader) (int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := c.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return 0, &StorageError{Key: key, Err: err}
	}

	n, err := io.Copy(&storageWriter{w: w, key: key}, r)
	if err != nil {
		cancel()
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, &StorageError{Key: key, Err: err}
	}
	return n, nil
}

func (c *Client) template(prefix string) (*destination.Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.templates[prefix]; ok {
		return t, nil
	}
	t, err := destination.Parse(prefix)
	if err != nil {
		return nil, err
	}
	c.templates[prefix] = t
	return t, nil
}

// storageWriter tags write errors so they are not mistaken for a broken
// download and retried.
type storageWriter struct {
	w   io.Writer
	key string
}

func (s *storageWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &StorageError{Key: s.key, Err: err}
	}
	return n, nil
}
