// Package fetch retrieves external calendar feeds over HTTP using
// conditional requests (ETag / Last-Modified).
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/mo"

	"github.com/example/calsync/codec"
)

// ErrFeedUnreachable covers network failures, timeouts and non-success
// HTTP statuses. It is recorded on the subscription and retried on the
// next scheduled tick.
var ErrFeedUnreachable = errors.New("feed unreachable")

// maxBodySize bounds how much of a response is read; calendar feeds beyond
// this are almost certainly not calendars.
const maxBodySize = 20 << 20 // 20 MiB

const defaultTimeout = 30 * time.Second

// Result is the outcome of a successful fetch. Either NotModified is true
// and everything else is empty, or Body holds the document and the options
// carry whatever validators the server sent.
type Result struct {
	NotModified  bool
	Body         []byte
	ETag         mo.Option[string]
	LastModified mo.Option[string]
}

// Fetcher performs conditional retrieval of feed URLs.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Fetcher. A nil client gets a default with a request
// timeout; a nil logger discards output.
func New(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch retrieves url, sending the previous validators as conditional
// headers when present. A 304 short-circuits to Result{NotModified: true}.
// A body without an iCalendar container fails with ErrInvalidFeedFormat so
// the caller never hands junk to the reconciler.
func (f *Fetcher) Fetch(ctx context.Context, url string, etag, lastModified mo.Option[string]) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrFeedUnreachable, err)
	}
	req.Header.Set("Accept", "text/calendar")

	if v, ok := etag.Get(); ok {
		req.Header.Set("If-None-Match", v)
	}
	if v, ok := lastModified.Get(); ok {
		req.Header.Set("If-Modified-Since", v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFeedUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		f.logger.Debug("feed not modified", "url", url)
		return Result{NotModified: true}, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return Result{}, fmt.Errorf("%w: read body: %v", ErrFeedUnreachable, err)
		}
		if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
			return Result{}, fmt.Errorf("%w: response is not an iCalendar document", codec.ErrInvalidFeedFormat)
		}
		f.logger.Debug("feed fetched", "url", url, "bytes", len(body))
		return Result{
			Body:         body,
			ETag:         headerOption(resp, "ETag"),
			LastModified: headerOption(resp, "Last-Modified"),
		}, nil

	default:
		return Result{}, fmt.Errorf("%w: unexpected status %s", ErrFeedUnreachable, resp.Status)
	}
}

func headerOption(resp *http.Response, name string) mo.Option[string] {
	if v := resp.Header.Get(name); v != "" {
		return mo.Some(v)
	}
	return mo.None[string]()
}
