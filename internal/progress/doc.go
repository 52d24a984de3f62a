// Package progress reports download progress on stderr.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Destination: "csda/{product}/{datetime:%Y}",
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.FileWritten()
//	reporter.AddBytes(n)
//
// # Output Format
//
//	[csda] Downloading to: csda/{product}/{datetime:%Y}
//	[csda] Files: 1,204 written | 36 skipped | 0 failed | 12 GiB | 48 MiB/s
//	[csda] Total time: 4m 12s | Average speed: 49 MiB/s
package progress
