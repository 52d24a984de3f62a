// Package http provides the retrying HTTP client shared by every catalog
// call.
//
// This package handles:
//   - Connection pooling shared across concurrent searches and downloads
//   - Bearer authentication through a TokenSource, refreshed on 401
//   - Retry with exponential backoff, a ceiling and jitter
//   - Optional request pacing
//   - Error kinds callers can branch on with errors.Is
//
// # Retry policy
//
// Attempt n (n >= 2) waits min(RetryBackoff * 2^(n-2), RetryMaxBackoff),
// scaled by a random factor in [0.5, 1.5). Transport errors, 5xx, 429,
// 401 and truncated bodies are retried. Other 4xx responses and bodies that
// are not valid JSON fail on the first attempt.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:       5 * time.Minute,
//	    RetryAttempts: 10,
//	    Tokens:        tokenSource,
//	})
//
//	var page stac.ItemCollection
//	err := client.PostJSON(ctx, searchURL, query, &page)
package http
