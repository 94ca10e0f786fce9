package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/calsync/codec"
)

const sampleFeed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nEND:VCALENDAR\r\n"

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	f := New(nil, nil)
	got, err := f.Fetch(context.Background(), server.URL, mo.None[string](), mo.None[string]())
	require.NoError(t, err)

	assert.False(t, got.NotModified)
	assert.Equal(t, sampleFeed, string(got.Body))

	etag, ok := got.ETag.Get()
	require.True(t, ok)
	assert.Equal(t, `"v1"`, etag)

	lastModified, ok := got.LastModified.Get()
	require.True(t, ok)
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", lastModified)
}

func TestFetch_ConditionalHeadersAndNotModified(t *testing.T) {
	var gotIfNoneMatch, gotIfModifiedSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		gotIfModifiedSince = r.Header.Get("If-Modified-Since")
		if gotIfNoneMatch == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	f := New(nil, nil)
	got, err := f.Fetch(context.Background(), server.URL,
		mo.Some(`"v1"`), mo.Some("Wed, 01 Jan 2025 00:00:00 GMT"))
	require.NoError(t, err)

	assert.True(t, got.NotModified)
	assert.Empty(t, got.Body)
	assert.Equal(t, `"v1"`, gotIfNoneMatch)
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", gotIfModifiedSince)
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(nil, nil)
	_, err := f.Fetch(context.Background(), server.URL, mo.None[string](), mo.None[string]())
	assert.ErrorIs(t, err, ErrFeedUnreachable)
}

func TestFetch_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // immediately unreachable

	f := New(nil, nil)
	_, err := f.Fetch(context.Background(), server.URL, mo.None[string](), mo.None[string]())
	assert.ErrorIs(t, err, ErrFeedUnreachable)
}

func TestFetch_NotACalendar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not a calendar</html>"))
	}))
	defer server.Close()

	f := New(nil, nil)
	_, err := f.Fetch(context.Background(), server.URL, mo.None[string](), mo.None[string]())
	assert.ErrorIs(t, err, codec.ErrInvalidFeedFormat)
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(nil, nil)
	_, err := f.Fetch(ctx, server.URL, mo.None[string](), mo.None[string]())
	assert.ErrorIs(t, err, ErrFeedUnreachable)
}
