//go:build integration

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ligustah/csda/internal/testutils"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var files []testutils.TestFile
	for i := range 5 {
		f := testutils.TestFile{
			Name: fmt.Sprintf("scene_%04d.nc", i),
			Size: int64(64*1024 + i),
		}
		f.Data = testutils.GenerateTestData(t, f.Size)
		files = append(files, f)
	}

	t.Log("Starting test catalog...")
	catalog := testutils.StartTestCatalog(t, files, 2)
	defer catalog.Close()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "csda-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	settings := filepath.Join(t.TempDir(), "settings.yaml")
	content := fmt.Sprintf("username: alice\npassword: hunter2\napi: %s\nconcurrent_downloads: 3\n", catalog.URL)
	if err := os.WriteFile(settings, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) (int, string) {
		var stdout, stderr bytes.Buffer
		a := &app{stdout: &stdout, stderr: &stderr, tokens: fixedToken(catalog.Token)}
		code := a.run(ctx, append([]string{"csda", "--settings-file", settings}, args...))
		if code != ExitSuccess {
			t.Logf("stderr:\n%s", stderr.String())
		}
		return code, stdout.String()
	}

	t.Run("download", func(t *testing.T) {
		code, _ := run("query", "--storage", minio.BucketURL)
		if code != ExitSuccess {
			t.Fatalf("download failed with exit code %d", code)
		}

		bucket, err := minio.OpenBucket(ctx)
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		defer bucket.Close()

		for _, f := range files {
			key := "csda/level1/2020/01/02/" + f.Name
			r, err := bucket.NewReader(ctx, key, nil)
			if err != nil {
				t.Fatalf("open %s: %v", key, err)
			}
			testutils.CompareReaderToData(t, r, f.Data)
			r.Close()
		}
	})

	t.Run("skip_existing", func(t *testing.T) {
		code, stdout := run("query", "--storage", minio.BucketURL, "--no-overwrite")
		if code != ExitSuccess {
			t.Fatalf("rerun failed with exit code %d", code)
		}
		if stdout != "" {
			t.Fatalf("expected no files stored on rerun, got %q", stdout)
		}
	})

	t.Run("limit", func(t *testing.T) {
		code, stdout := run("query", "--mode", "list", "--limit", "3")
		if code != ExitSuccess {
			t.Fatalf("list failed with exit code %d", code)
		}
		if n := bytes.Count([]byte(stdout), []byte("\n")); n != 3 {
			t.Fatalf("expected 3 urls, got %d:\n%s", n, stdout)
		}
	})
}
