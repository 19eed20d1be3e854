package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/metrics"
)

func writeFeedFile(t *testing.T, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.pb")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func newTestRefresher(t *testing.T, location string) (*Refresher, *Buffer, *Heartbeat, clock.FixedClock) {
	t.Helper()
	static := staticStore(t)
	buffer := NewBuffer()
	heartbeat := &Heartbeat{}
	clk := clock.FixedClock{FixedTime: time.Date(2024, time.June, 3, 8, 5, 0, 0, static.Location())}
	r := NewRefresher(buffer, NewFetcher(location, time.Second), static, Options{},
		30*time.Second, clk, heartbeat, metrics.New())
	return r, buffer, heartbeat, clk
}

func TestRefreshNowLocalFile(t *testing.T) {
	path := writeFeedFile(t, marshalFeed(t, 1717416300, testFeedEntities()...))
	r, buffer, _, clk := newTestRefresher(t, path)

	require.NoError(t, r.RefreshNow(context.Background()))
	assert.Equal(t, SideA, buffer.ActiveSide())
	store := buffer.Snapshot()
	require.NotNil(t, store)
	assert.Equal(t, []string{"T1"}, store.ActiveTripIDs())
	assert.Equal(t, clk.FixedTime, store.FetchedAt)

	// The next refresh lands on the other side.
	require.NoError(t, r.RefreshNow(context.Background()))
	assert.Equal(t, SideB, buffer.ActiveSide())

	d := r.Diagnostics()
	assert.True(t, d.IsLocalFile)
	assert.Equal(t, "B", d.ActiveSide)
	assert.Equal(t, int64(2), d.Refreshes)
	assert.Equal(t, int64(0), d.Failures)
	assert.Empty(t, d.LastError)
}

func TestRefreshFailureKeepsLocalFileData(t *testing.T) {
	path := writeFeedFile(t, marshalFeed(t, 1717416300, testFeedEntities()...))
	r, buffer, _, _ := newTestRefresher(t, path)

	require.NoError(t, r.RefreshNow(context.Background()))
	require.NotNil(t, buffer.Snapshot())

	// The file disappearing must not wipe the last good parse.
	require.NoError(t, os.Remove(path))
	err := r.RefreshNow(context.Background())
	require.Error(t, err)

	assert.NotNil(t, buffer.Snapshot())
	d := r.Diagnostics()
	assert.Equal(t, int64(1), d.Failures)
	assert.NotEmpty(t, d.LastError)
}

func TestRefreshFailureClearsRemoteData(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Write(marshalFeed(t, 1717416300, testFeedEntities()...))
	}))
	defer srv.Close()

	r, buffer, _, _ := newTestRefresher(t, srv.URL)

	status = http.StatusOK
	require.NoError(t, r.RefreshNow(context.Background()))
	require.NotNil(t, buffer.Snapshot())

	status = http.StatusInternalServerError
	require.Error(t, r.RefreshNow(context.Background()))
	assert.Nil(t, buffer.Snapshot())
	assert.Equal(t, SideNone, buffer.ActiveSide())
}

func TestRefreshRejectsEmptyPayload(t *testing.T) {
	path := writeFeedFile(t, nil)
	r, buffer, _, _ := newTestRefresher(t, path)

	err := r.RefreshNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty payload")
	assert.Nil(t, buffer.Snapshot())
}

func TestShouldIdle(t *testing.T) {
	path := writeFeedFile(t, marshalFeed(t, 1717416300))
	r, _, heartbeat, clk := newTestRefresher(t, path)

	// Never-touched heartbeat: the server may simply have no traffic yet.
	assert.False(t, r.shouldIdle())

	heartbeat.Touch(clk.FixedTime.Add(-time.Hour))
	assert.True(t, r.shouldIdle())

	heartbeat.Touch(clk.FixedTime)
	assert.False(t, r.shouldIdle())
}

func TestFetcherIsLocalFile(t *testing.T) {
	assert.True(t, NewFetcher("/var/lib/feed.pb", time.Second).IsLocalFile())
	assert.True(t, NewFetcher("feed.pb", time.Second).IsLocalFile())
	assert.False(t, NewFetcher("http://transit.example/feed", time.Second).IsLocalFile())
	assert.False(t, NewFetcher("https://transit.example/feed", time.Second).IsLocalFile())
}

func TestFetcherDecodesGzip(t *testing.T) {
	payload := marshalFeed(t, 1717416300, testFeedEntities()...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, err := gz.Write(payload)
		assert.NoError(t, err)
		assert.NoError(t, gz.Close())
	}))
	defer srv.Close()

	b, err := NewFetcher(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}

func TestRefresherStartAndShutdown(t *testing.T) {
	path := writeFeedFile(t, marshalFeed(t, 1717416300, testFeedEntities()...))
	r, _, _, _ := newTestRefresher(t, path)

	r.Start()
	r.Shutdown()
	// Shutdown is idempotent.
	r.Shutdown()
}
