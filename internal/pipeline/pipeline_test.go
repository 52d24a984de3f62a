package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ligustah/csda/internal/metrics"
	"github.com/ligustah/csda/internal/stac"
)

const baseURL = "https://api.example.com/"

func query(t *testing.T, day int) stac.SearchQuery {
	t.Helper()
	start := time.Date(2024, 1, 1+day, 0, 0, 0, 0, time.UTC)
	q, err := stac.NewSearchQuery(start, start.Add(24*time.Hour), stac.World, nil, 100)
	if err != nil {
		t.Fatalf("NewSearchQuery: %v", err)
	}
	return q
}

func item(collection string, hrefs ...string) stac.Item {
	it := stac.Item{
		ID:         collection + "-item",
		Collection: collection,
		Assets:     map[string]stac.Asset{},
	}
	for i, href := range hrefs {
		it.Assets[fmt.Sprintf("asset%02d", i)] = stac.Asset{Href: href}
	}
	return it
}

func pageOf(items ...stac.Item) *stac.ItemCollection {
	return &stac.ItemCollection{Type: "FeatureCollection", Features: items}
}

// stubCatalog serves canned pages and records concurrency.
type stubCatalog struct {
	pages      map[string][]*stac.ItemCollection
	searchErr  map[string]error
	delay      time.Duration
	download   func(ctx context.Context, link stac.DownloadLink) (string, bool, error)
	searching  atomic.Int32
	maxSearch  atomic.Int32
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	downloaded atomic.Int32
}

func newStub() *stubCatalog {
	return &stubCatalog{
		pages:     map[string][]*stac.ItemCollection{},
		searchErr: map[string]error{},
	}
}

func raise(current, peak *atomic.Int32) {
	n := current.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubCatalog) BaseURL() string { return baseURL }

func (s *stubCatalog) Search(ctx context.Context, q stac.SearchQuery) iter.Seq2[*stac.ItemCollection, error] {
	return func(yield func(*stac.ItemCollection, error) bool) {
		raise(&s.searching, &s.maxSearch)
		defer s.searching.Add(-1)

		for _, page := range s.pages[q.String()] {
			if err := sleep(ctx, s.delay); err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}
		}
		if err := s.searchErr[q.String()]; err != nil {
			sleep(ctx, s.delay)
			yield(nil, err)
		}
	}
}

func (s *stubCatalog) DownloadFile(ctx context.Context, link stac.DownloadLink, prefix string) (string, bool, error) {
	raise(&s.inFlight, &s.maxFlight)
	defer s.inFlight.Add(-1)
	s.downloaded.Add(1)

	if s.download != nil {
		return s.download(ctx, link)
	}
	if err := sleep(ctx, s.delay); err != nil {
		return "", false, err
	}
	return prefix + "/" + link.Filename, true, nil
}

func (s *stubCatalog) add(q stac.SearchQuery, pages ...*stac.ItemCollection) {
	s.pages[q.String()] = append(s.pages[q.String()], pages...)
}

// manyFiles returns n pages with one distinct file each.
func manyFiles(n int) []*stac.ItemCollection {
	var pages []*stac.ItemCollection
	for i := range n {
		pages = append(pages, pageOf(item("c", fmt.Sprintf("/files/f%03d.nc", i))))
	}
	return pages
}

func testOptions(mode Mode) Options {
	return Options{
		Mode:                mode,
		Prefix:              "out",
		ConcurrentSearches:  2,
		ConcurrentDownloads: 2,
		BufferSize:          4,
		DedupCapacity:       1000,
	}
}

func TestSeen(t *testing.T) {
	s := NewSeen(0, nil)
	if !s.Add("a") || !s.Add("b") {
		t.Fatal("expected new names to be added")
	}
	if s.Add("a") {
		t.Error("expected repeat to be rejected")
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 names, got %d", s.Len())
	}
}

func TestSeenEvictsLeastRecentlySeen(t *testing.T) {
	s := NewSeen(2, nil)
	s.Add("a")
	s.Add("b")
	s.Add("a") // a is now the most recently seen
	s.Add("c") // evicts b

	if s.Len() != 2 {
		t.Errorf("expected cap of 2, got %d", s.Len())
	}
	if s.Add("a") {
		t.Error("a should still be remembered")
	}
	if !s.Add("b") {
		t.Error("b should have been evicted and be new again")
	}
}

func TestSeenCountsLinks(t *testing.T) {
	m := metrics.New()
	s := NewSeen(10, m)
	s.Add("a")
	s.Add("a")
	s.Add("b")

	if got := testutil.ToFloat64(m.LinksTotal); got != 2 {
		t.Errorf("expected 2 links, got %v", got)
	}
	if got := testutil.ToFloat64(m.DuplicateLinks); got != 1 {
		t.Errorf("expected 1 duplicate, got %v", got)
	}
}

func runExtract(t *testing.T, pages ...*stac.ItemCollection) []stac.DownloadLink {
	t.Helper()
	in := make(chan *stac.ItemCollection, len(pages))
	for _, p := range pages {
		in <- p
	}
	close(in)

	out := make(chan stac.DownloadLink, 100)
	if err := ExtractLinks(context.Background(), in, out, baseURL, NewSeen(100, nil)); err != nil {
		t.Fatalf("ExtractLinks: %v", err)
	}
	var links []stac.DownloadLink
	for l := range out {
		links = append(links, l)
	}
	return links
}

func TestExtractLinksSharedFilename(t *testing.T) {
	links := runExtract(t,
		pageOf(item("first", "/a/scene_0001.tif")),
		pageOf(item("second", "/b/scene_0001.tif")),
	)

	if len(links) != 1 {
		t.Fatalf("expected exactly one link, got %d", len(links))
	}
	if links[0].Collection != "first" || links[0].URL != baseURL+"a/scene_0001.tif" {
		t.Errorf("expected first encountered link, got %+v", links[0])
	}
}

func TestExtractLinksDeduplicatesWithinPage(t *testing.T) {
	links := runExtract(t, pageOf(
		item("c", "/x/1.nc", "/x/2.nc"),
		item("c", "/y/2.nc", "/y/3.nc"),
	))

	var names []string
	for _, l := range links {
		names = append(names, l.Filename)
	}
	if !slices.Equal(names, []string{"1.nc", "2.nc", "3.nc"}) {
		t.Errorf("unexpected links %v", names)
	}
}

func TestExtractLinksKeepsAbsoluteHrefs(t *testing.T) {
	links := runExtract(t, pageOf(item("c", "https://cdn.example.com/f.nc", "rel/g.nc", "/files/")))

	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	if links[0].URL != "https://cdn.example.com/f.nc" || links[1].URL != baseURL+"rel/g.nc" {
		t.Errorf("unexpected urls %q %q", links[0].URL, links[1].URL)
	}
}

func TestExtractLinksIgnoresQueryStrings(t *testing.T) {
	links := runExtract(t, pageOf(
		item("c", "/a/x.tif?sig=1", "/b/x.tif?sig=2", "/files/"),
	))

	if len(links) != 1 {
		t.Fatalf("expected one link, got %d", len(links))
	}
	if links[0].Filename != "x.tif" || links[0].URL != baseURL+"a/x.tif?sig=1" {
		t.Errorf("expected the first signed url kept whole, got %+v", links[0])
	}
}

func TestExtractLinksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan *stac.ItemCollection)
	out := make(chan stac.DownloadLink)
	err := ExtractLinks(ctx, in, out, baseURL, NewSeen(0, nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, ok := <-out; ok {
		t.Error("expected output to be closed")
	}
}

func TestSearchConcurrencyCap(t *testing.T) {
	stub := newStub()
	stub.delay = 20 * time.Millisecond

	queries := make(chan stac.SearchQuery, 8)
	for i := range 8 {
		q := query(t, i)
		stub.add(q, pageOf(item("c", fmt.Sprintf("/f%d", i))))
		queries <- q
	}
	close(queries)

	out := make(chan *stac.ItemCollection, 8)
	if err := Search(context.Background(), stub, queries, out, 3); err != nil {
		t.Fatalf("Search: %v", err)
	}

	var n int
	for range out {
		n++
	}
	if n != 8 {
		t.Errorf("expected 8 pages, got %d", n)
	}
	if peak := stub.maxSearch.Load(); peak > 3 {
		t.Errorf("expected at most 3 searches in flight, saw %d", peak)
	}
}

func TestSearchKeepsPageOrderWithinQuery(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, manyFiles(5)...)

	queries := make(chan stac.SearchQuery, 1)
	queries <- q
	close(queries)

	out := make(chan *stac.ItemCollection, 5)
	if err := Search(context.Background(), stub, queries, out, 1); err != nil {
		t.Fatalf("Search: %v", err)
	}

	var i int
	for page := range out {
		want := fmt.Sprintf("/files/f%03d.nc", i)
		if got := page.Features[0].Assets["asset00"].Href; got != want {
			t.Errorf("page %d: got %s, want %s", i, got, want)
		}
		i++
	}
}

func TestSearchFailure(t *testing.T) {
	stub := newStub()
	good, bad := query(t, 0), query(t, 1)
	stub.add(good, pageOf(item("c", "/f")))
	stub.searchErr[bad.String()] = errors.New("catalog unavailable")

	queries := make(chan stac.SearchQuery, 2)
	queries <- good
	queries <- bad
	close(queries)

	out := make(chan *stac.ItemCollection, 2)
	err := Search(context.Background(), stub, queries, out, 2)

	var serr *SearchError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SearchError, got %v", err)
	}
	if serr.Query.String() != bad.String() {
		t.Errorf("expected failing query in error, got %s", serr.Query)
	}
}

func TestDownloadConcurrencyCap(t *testing.T) {
	stub := newStub()
	stub.delay = 10 * time.Millisecond

	links := make(chan stac.DownloadLink, 20)
	for i := range 20 {
		links <- stac.DownloadLink{URL: fmt.Sprintf("u%d", i), Filename: fmt.Sprintf("f%d", i)}
	}
	close(links)

	out := make(chan Result, 20)
	if err := Download(context.Background(), stub, links, out, "p", 3); err != nil {
		t.Fatalf("Download: %v", err)
	}

	var n int
	for res := range out {
		if !res.Written || res.Err != nil {
			t.Errorf("unexpected result %+v", res)
		}
		n++
	}
	if n != 20 {
		t.Errorf("expected 20 results, got %d", n)
	}
	if peak := stub.maxFlight.Load(); peak > 3 {
		t.Errorf("expected at most 3 downloads in flight, saw %d", peak)
	}
}

func TestDownloadIsolatesFailures(t *testing.T) {
	boom := errors.New("retries exhausted")
	stub := newStub()
	stub.download = func(ctx context.Context, link stac.DownloadLink) (string, bool, error) {
		if link.Filename == "2" {
			return "", false, boom
		}
		time.Sleep(10 * time.Millisecond)
		return "out/" + link.Filename, true, nil
	}

	links := make(chan stac.DownloadLink, 3)
	for _, name := range []string{"1", "2", "3"} {
		links <- stac.DownloadLink{URL: "u" + name, Filename: name}
	}
	close(links)

	out := make(chan Result, 3)
	err := Download(context.Background(), stub, links, out, "out", 2)

	var derr *DownloadError
	if !errors.As(err, &derr) || derr.Link.Filename != "2" || !errors.Is(err, boom) {
		t.Fatalf("expected DownloadError for link 2, got %v", err)
	}

	written := map[string]bool{}
	var failures int
	for res := range out {
		if res.Err != nil {
			failures++
			continue
		}
		written[res.Link.Filename] = res.Written
	}
	if failures != 1 {
		t.Errorf("expected one failure, got %d", failures)
	}
	if !written["1"] || !written["3"] {
		t.Errorf("expected links 1 and 3 written, got %v", written)
	}
}

func TestDownloadSkippedResult(t *testing.T) {
	stub := newStub()
	stub.download = func(ctx context.Context, link stac.DownloadLink) (string, bool, error) {
		return "out/" + link.Filename, false, nil
	}

	links := make(chan stac.DownloadLink, 1)
	links <- stac.DownloadLink{URL: "u", Filename: "f"}
	close(links)

	out := make(chan Result, 1)
	if err := Download(context.Background(), stub, links, out, "out", 1); err != nil {
		t.Fatalf("Download: %v", err)
	}
	res := <-out
	if res.Written || res.Path != "out/f" || res.Err != nil {
		t.Errorf("expected skipped result, got %+v", res)
	}
}

func TestRunLimit(t *testing.T) {
	for _, mode := range []Mode{ModeRaw, ModeList, ModeDownload} {
		t.Run(string(mode), func(t *testing.T) {
			stub := newStub()
			for i := range 3 {
				stub.add(query(t, i), manyFiles(10)...)
			}
			// Same filenames in every query; make them distinct per query.
			for i := range 3 {
				for j, p := range stub.pages[query(t, i).String()] {
					p.Features[0].Assets["asset00"] = stac.Asset{Href: fmt.Sprintf("/q%d/f%d.nc", i, j)}
				}
			}

			var got int
			opts := testOptions(mode)
			opts.Limit = 5
			opts.OnPage = func(*stac.ItemCollection) error { got++; return nil }
			opts.OnLink = func(stac.DownloadLink) error { got++; return nil }
			opts.OnResult = func(Result) { got++ }

			queries := []stac.SearchQuery{query(t, 0), query(t, 1), query(t, 2)}
			if err := Run(context.Background(), stub, queries, opts); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got != 5 {
				t.Errorf("expected exactly 5 results, got %d", got)
			}
		})
	}
}

func TestRunLimitStopsDownloads(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, manyFiles(50)...)
	stub.delay = 5 * time.Millisecond

	opts := testOptions(ModeDownload)
	opts.Limit = 3
	if err := Run(context.Background(), stub, []stac.SearchQuery{q}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Downloads in flight or buffered when the limit was hit may have
	// started, but nothing close to the full result set.
	if n := stub.downloaded.Load(); n > int32(opts.Limit+opts.ConcurrentDownloads+opts.BufferSize) {
		t.Errorf("expected prompt cancellation, %d downloads started", n)
	}
}

func TestRunDownloadFailureFinishesInFlight(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, pageOf(item("c", "/f/1.nc"), item("c", "/f/2.nc"), item("c", "/f/3.nc")))

	thirdStarted := make(chan struct{})
	boom := errors.New("retries exhausted")
	stub.download = func(ctx context.Context, link stac.DownloadLink) (string, bool, error) {
		switch link.Filename {
		case "2.nc":
			// Fail only once link 3 holds the slot freed by link 1.
			<-thirdStarted
			return "", false, boom
		case "3.nc":
			close(thirdStarted)
			time.Sleep(20 * time.Millisecond)
		}
		return "out/" + link.Filename, true, nil
	}

	var written, failed []string
	opts := testOptions(ModeDownload)
	opts.OnResult = func(r Result) {
		if r.Err != nil {
			failed = append(failed, r.Link.Filename)
			return
		}
		written = append(written, r.Link.Filename)
	}

	err := Run(context.Background(), stub, []stac.SearchQuery{q}, opts)

	var derr *DownloadError
	if !errors.As(err, &derr) || derr.Link.Filename != "2.nc" {
		t.Fatalf("expected DownloadError for 2.nc, got %v", err)
	}
	slices.Sort(written)
	if !slices.Equal(written, []string{"1.nc", "3.nc"}) {
		t.Errorf("expected 1.nc and 3.nc written, got %v", written)
	}
	if !slices.Equal(failed, []string{"2.nc"}) {
		t.Errorf("expected the handler to see 2.nc fail once, got %v", failed)
	}
}

func TestRunSearchFailure(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.searchErr[q.String()] = errors.New("bad gateway")

	err := Run(context.Background(), stub, []stac.SearchQuery{q}, testOptions(ModeList))
	var serr *SearchError
	if !errors.As(err, &serr) {
		t.Errorf("expected SearchError, got %v", err)
	}
}

func TestRunHandlerError(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, manyFiles(5)...)

	stop := errors.New("stdout closed")
	opts := testOptions(ModeRaw)
	opts.OnPage = func(*stac.ItemCollection) error { return stop }

	if err := Run(context.Background(), stub, []stac.SearchQuery{q}, opts); !errors.Is(err, stop) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, manyFiles(100)...)
	stub.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions(ModeDownload)
	var once sync.Once
	opts.OnResult = func(Result) { once.Do(cancel) }

	err := Run(ctx, stub, []stac.SearchQuery{q}, opts)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	stub := newStub()
	q := query(t, 0)
	stub.add(q, pageOf(item("c", "/f/1.nc", "/f/2.nc"), item("d", "/g/2.nc")))

	m := metrics.New()
	opts := testOptions(ModeDownload)
	opts.Metrics = m
	if err := Run(context.Background(), stub, []stac.SearchQuery{q}, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("written")); got != 2 {
		t.Errorf("expected 2 written downloads, got %v", got)
	}
	if got := testutil.ToFloat64(m.DuplicateLinks); got != 1 {
		t.Errorf("expected 1 duplicate link, got %v", got)
	}
	if got := testutil.ToFloat64(m.SearchesInFlight); got != 0 {
		t.Errorf("expected no searches in flight, got %v", got)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"download", "list", "raw"} {
		if m, err := ParseMode(s); err != nil || string(m) != s {
			t.Errorf("ParseMode(%q) = %q, %v", s, m, err)
		}
	}
	var verr *stac.ValidationError
	if _, err := ParseMode("sync"); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
