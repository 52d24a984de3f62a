package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ligustah/csda/internal/catalog"
	"github.com/ligustah/csda/internal/destination"
	"github.com/ligustah/csda/internal/metrics"
	"github.com/ligustah/csda/internal/pipeline"
	"github.com/ligustah/csda/internal/progress"
	"github.com/ligustah/csda/internal/stac"
	"github.com/ligustah/csda/internal/telemetry"
)

const defaultStartDate = "2019-01-01"

// dateLayouts are tried in order for --start-date and --end-date.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (a *app) queryCommand() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Search the catalog and download, list or print the results",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "start-date",
				Usage: "only items at or after this time (UTC unless an offset is given)",
				Value: defaultStartDate,
			},
			&cli.StringFlag{
				Name:        "end-date",
				Usage:       "only items at or before this time",
				DefaultText: "now",
			},
			&cli.FloatFlag{Name: "min-latitude", Usage: "southern edge of the bounding box", Value: stac.World.MinLat},
			&cli.FloatFlag{Name: "max-latitude", Usage: "northern edge of the bounding box", Value: stac.World.MaxLat},
			&cli.FloatFlag{Name: "min-longitude", Usage: "western edge of the bounding box", Value: stac.World.MinLon},
			&cli.FloatFlag{Name: "max-longitude", Usage: "eastern edge of the bounding box", Value: stac.World.MaxLon},
			&cli.StringFlag{
				Name:  "products",
				Usage: "comma separated product names; empty means all",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "stop after this many results",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "download, list or raw",
				Value: string(pipeline.ModeDownload),
			},
			&cli.BoolWithInverseFlag{
				Name:  "progress",
				Usage: "show download progress on stderr",
			},
			&cli.StringFlag{
				Name:  "destination",
				Usage: "destination path template",
				Value: destination.Default,
			},
			&cli.BoolWithInverseFlag{
				Name:  "overwrite",
				Usage: "replace files that already exist",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "bucket URL or local directory downloads are written to",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address while running",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "write trace spans to stderr",
			},
		},
		Action:       a.query,
		OnUsageError: onUsageError,
	}
}

// queryArgs holds the validated query command arguments.
type queryArgs struct {
	query       stac.SearchQuery
	mode        pipeline.Mode
	limit       int
	destination *destination.Template
}

// parseQueryArgs validates everything that can be checked without the
// network.
func parseQueryArgs(cmd *cli.Command, pageSize int, now time.Time) (queryArgs, error) {
	mode, err := pipeline.ParseMode(cmd.String("mode"))
	if err != nil {
		return queryArgs{}, err
	}

	limit := cmd.Int("limit")
	if limit < 0 || (cmd.IsSet("limit") && limit == 0) {
		return queryArgs{}, &stac.ValidationError{Field: "limit", Reason: "must be at least 1"}
	}

	start, err := parseDate("start-date", cmd.String("start-date"))
	if err != nil {
		return queryArgs{}, err
	}
	end := now
	if s := cmd.String("end-date"); s != "" {
		if end, err = parseDate("end-date", s); err != nil {
			return queryArgs{}, err
		}
	}

	bbox := stac.BBox{
		MinLon: cmd.Float("min-longitude"),
		MinLat: cmd.Float("min-latitude"),
		MaxLon: cmd.Float("max-longitude"),
		MaxLat: cmd.Float("max-latitude"),
	}
	q, err := stac.NewSearchQuery(start, end, bbox, stac.ParseProducts(cmd.String("products")), pageSize)
	if err != nil {
		return queryArgs{}, err
	}

	tmpl, err := destination.Parse(cmd.String("destination"))
	if err != nil {
		return queryArgs{}, err
	}

	return queryArgs{query: q, mode: mode, limit: limit, destination: tmpl}, nil
}

func parseDate(field, s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &stac.ValidationError{Field: field, Reason: fmt.Sprintf("cannot parse %q as a date", s)}
}

func (a *app) query(ctx context.Context, cmd *cli.Command) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	args, err := parseQueryArgs(cmd, settings.SearchPageSize, time.Now())
	if err != nil {
		return err
	}
	if s := cmd.String("storage"); s != "" {
		settings.Storage = s
	}

	logger := a.logger
	logger.Info("starting query", "query", args.query.String(), "mode", args.mode, "limit", args.limit)

	if cmd.Bool("trace") {
		shutdown, err := telemetry.InitTracer(a.stderr, "csda", a.runID)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down tracer", "error", err)
			}
		}()
	}

	var m *metrics.Metrics
	if addr := cmd.String("metrics-addr"); addr != "" {
		m = metrics.New()
		stop, err := serveMetrics(addr, m, logger)
		if err != nil {
			return err
		}
		defer stop()
		logger.Info("serving metrics", "addr", addr)
	}

	showProgress := settings.DownloadProgress
	if cmd.IsSet("progress") {
		showProgress = cmd.Bool("progress")
	}
	var reporter *progress.Reporter
	if showProgress && args.mode == pipeline.ModeDownload {
		reporter = progress.NewReporter(progress.Options{
			Output:      a.stderr,
			Destination: args.destination.String(),
		})
	}

	opts := []catalog.Option{
		catalog.WithOverwrite(cmd.Bool("overwrite")),
		catalog.WithMetrics(m),
		catalog.WithLogger(logger),
	}
	if a.tokens != nil {
		opts = append(opts, catalog.WithTokenSource(a.tokens))
	}
	if reporter != nil {
		opts = append(opts, catalog.WithByteCounter(reporter))
	}
	client, err := catalog.Open(ctx, settings, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	runOpts := pipeline.OptionsFromSettings(settings)
	runOpts.Mode = args.mode
	runOpts.Limit = args.limit
	runOpts.Prefix = args.destination.String()
	runOpts.Metrics = m
	runOpts.Logger = logger
	a.attachOutput(&runOpts, reporter)

	if reporter != nil {
		reporter.Start()
	}
	err = pipeline.Run(ctx, client, []stac.SearchQuery{args.query}, runOpts)
	if reporter != nil {
		reporter.Stop()
	}
	return err
}

// attachOutput sets the handler for the last stage of the selected mode.
func (a *app) attachOutput(opts *pipeline.Options, reporter *progress.Reporter) {
	switch opts.Mode {
	case pipeline.ModeRaw:
		enc := json.NewEncoder(a.stdout)
		opts.OnPage = func(page *stac.ItemCollection) error {
			return enc.Encode(page)
		}
	case pipeline.ModeList:
		opts.OnLink = func(link stac.DownloadLink) error {
			_, err := fmt.Fprintln(a.stdout, link.URL)
			return err
		}
	default:
		opts.OnResult = func(r pipeline.Result) {
			switch {
			case r.Err != nil:
				if reporter != nil {
					reporter.FileFailed()
				}
			case !r.Written:
				a.logger.Debug("skipped existing file", "path", r.Path)
				if reporter != nil {
					reporter.FileSkipped()
				}
			default:
				a.logger.Debug("stored file", "path", r.Path)
				if reporter != nil {
					reporter.FileWritten()
				} else {
					fmt.Fprintln(a.stdout, r.Path)
				}
			}
		}
	}
}

// serveMetrics exposes m on addr until the returned function is called.
func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
