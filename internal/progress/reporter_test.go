package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer shared with the update loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.input); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestReporterCounts(t *testing.T) {
	reporter := NewReporter(Options{})

	reporter.FileWritten()
	reporter.FileWritten()
	reporter.FileSkipped()
	reporter.FileFailed()
	reporter.AddBytes(2048)

	if reporter.written.Load() != 2 {
		t.Errorf("expected 2 written, got %d", reporter.written.Load())
	}
	if reporter.skipped.Load() != 1 || reporter.failed.Load() != 1 {
		t.Errorf("expected 1 skipped and 1 failed, got %d/%d", reporter.skipped.Load(), reporter.failed.Load())
	}
	if reporter.bytes.Load() != 2048 {
		t.Errorf("expected 2048 bytes, got %d", reporter.bytes.Load())
	}
}

func TestReporterStartStop(t *testing.T) {
	out := &syncBuffer{}
	reporter := NewReporter(Options{
		Output:         out,
		UpdateInterval: 10 * time.Millisecond,
		Destination:    "csda/{product}",
	})

	reporter.Start()
	reporter.FileWritten()
	reporter.AddBytes(1536)
	reporter.FileSkipped()

	time.Sleep(50 * time.Millisecond)
	reporter.Stop()

	got := out.String()
	for _, want := range []string{
		"[csda] Downloading to: csda/{product}",
		"1 written | 1 skipped | 0 failed | 1.5 KiB | Complete!",
		"[csda] Total time:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	reporter := NewReporter(Options{Output: &syncBuffer{}})
	reporter.Stop()
	reporter.Stop()
}
