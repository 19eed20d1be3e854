package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"tripline.opentransit.org/internal/logging"
)

// Fetcher retrieves the raw GTFS-realtime protobuf from either a filesystem
// path or an http(s) URL.
type Fetcher struct {
	location string
	client   *http.Client
}

// NewFetcher builds a fetcher for the configured feed location. The timeout
// bounds the whole download.
func NewFetcher(location string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		location: location,
		client:   &http.Client{Timeout: timeout},
	}
}

// IsLocalFile reports whether the feed location is a filesystem path.
func (f *Fetcher) IsLocalFile() bool {
	return !strings.HasPrefix(f.location, "http://") && !strings.HasPrefix(f.location, "https://")
}

// Fetch downloads (or re-reads) the feed bytes.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.IsLocalFile() {
		b, err := os.ReadFile(f.location)
		if err != nil {
			return nil, fmt.Errorf("reading local realtime feed: %w", err)
		}
		return b, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.location, nil)
	if err != nil {
		return nil, fmt.Errorf("creating realtime request: %w", err)
	}
	// Ask for gzip and decode it ourselves so the transport does not
	// buffer the whole body twice.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading realtime feed: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body,
		slog.Default().With(slog.String("component", "realtime_fetcher")),
		"http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("realtime feed returned status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		defer logging.SafeCloseWithLogging(gz,
			slog.Default().With(slog.String("component", "realtime_fetcher")),
			"gzip_reader")
		body = gz
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading realtime feed: %w", err)
	}
	return b, nil
}
