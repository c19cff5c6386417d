// Package fetcher downloads remote documents with per-host rate limiting
// and retry. Regulatory data hosts enforce strict request-rate etiquette, so
// the limiters are shared across all workers, not per-goroutine.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadBytes fetches the URL and returns the full response body.
	DownloadBytes(ctx context.Context, url string) ([]byte, error)
}
