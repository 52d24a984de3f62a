package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Destination is shown in the header.
	Destination string
}

// Reporter prints a running tally of downloaded files.
type Reporter struct {
	opts Options

	mu         sync.Mutex
	written    atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	bytes      atomic.Int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	if r.opts.Destination != "" {
		fmt.Fprintf(r.opts.Output, "[csda] Downloading to: %s\n", r.opts.Destination)
	}

	go r.updateLoop()
}

// Stop prints the final summary and stops the reporter. It returns once
// the summary has been written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// FileWritten counts a stored file.
func (r *Reporter) FileWritten() {
	r.written.Add(1)
}

// FileSkipped counts a file that already existed.
func (r *Reporter) FileSkipped() {
	r.skipped.Add(1)
}

// FileFailed counts a file that could not be downloaded.
func (r *Reporter) FileFailed() {
	r.failed.Add(1)
}

// AddBytes adds n downloaded bytes to the total.
func (r *Reporter) AddBytes(n int64) {
	r.bytes.Add(n)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.bytes.Load()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	fmt.Fprintf(r.opts.Output, "\r[csda] Files: %s written | %s skipped | %s failed | %s | %s/s    ",
		humanize.Comma(r.written.Load()),
		humanize.Comma(r.skipped.Load()),
		humanize.Comma(r.failed.Load()),
		humanize.IBytes(uint64(completed)),
		humanize.IBytes(uint64(speed)),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	completed := r.bytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "\r[csda] Files: %s written | %s skipped | %s failed | %s | Complete!    \n",
		humanize.Comma(r.written.Load()),
		humanize.Comma(r.skipped.Load()),
		humanize.Comma(r.failed.Load()),
		humanize.IBytes(uint64(completed)),
	)
	fmt.Fprintf(r.opts.Output, "[csda] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		humanize.IBytes(uint64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
