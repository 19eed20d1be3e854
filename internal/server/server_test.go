package server

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripline.opentransit.org/internal/app"
	"tripline.opentransit.org/internal/appconf"
	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/metrics"
	"tripline.opentransit.org/internal/models"
	"tripline.opentransit.org/internal/realtime"
	"tripline.opentransit.org/internal/reconcile"
	"tripline.opentransit.org/internal/schedule"
)

func staticStore(t *testing.T) *schedule.Store {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
			"1,Example Transit,https://transit.example,America/New_York\n",
		"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type\n" +
			"R1,1,10,Main Street,3\n",
		"trips.txt": "trip_id,route_id,service_id,trip_headsign\n" +
			"T1,R1,WK,Downtown\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon,parent_station\n" +
			"S1,First & Main,45.50,-122.60,\n" +
			"S2,Second & Main,45.51,-122.61,\n",
		"stop_times.txt": "trip_id,stop_id,stop_sequence,arrival_time,departure_time,pickup_type,drop_off_type\n" +
			"T1,S1,1,08:00:00,08:00:00,0,0\n" +
			"T1,S2,2,08:10:00,08:10:00,0,0\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WK,1,1,1,1,1,1,1,20240101,20241231\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	store, err := schedule.Load(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	static := staticStore(t)
	loc := static.Location()
	now := time.Date(2024, time.June, 3, 7, 55, 0, 0, loc)

	application := &app.Application{
		Config: &appconf.Config{
			DataPath:      "testdata",
			ServerPort:    0,
			NumberThreads: 2,
		},
		Static:     static,
		Buffer:     realtime.NewBuffer(),
		Heartbeat:  &realtime.Heartbeat{},
		Reconciler: reconcile.New(static, reconcile.Config{}),
		Clock:      clock.FixedClock{FixedTime: now},
		Metrics:    metrics.New(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		StartedAt:  now,
	}

	srv := New(application)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func request(t *testing.T, conn net.Conn, r *bufio.Reader, line string) models.Header {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	raw, err := r.ReadString('\n')
	require.NoError(t, err)
	var h models.Header
	require.NoError(t, json.Unmarshal([]byte(raw), &h))
	return h
}

func TestServeRequests(t *testing.T) {
	srv := startTestServer(t)
	conn, r := dial(t, srv)

	h := request(t, conn, r, "RTE")
	assert.Equal(t, "RTE", h.MessageType)
	assert.Equal(t, models.ErrNone, h.Error)

	h = request(t, conn, r, "ZZZ")
	assert.Equal(t, models.ErrUnknownVerb, h.Error)

	// The connection stays open across requests.
	h = request(t, conn, r, "SDS")
	assert.Equal(t, "SDS", h.MessageType)
	assert.Equal(t, models.ErrNone, h.Error)
}

func TestBlankLinesAreIgnored(t *testing.T) {
	srv := startTestServer(t)
	conn, r := dial(t, srv)

	_, err := conn.Write([]byte("\n  \nRTE\n"))
	require.NoError(t, err)

	raw, err := r.ReadString('\n')
	require.NoError(t, err)
	var h models.Header
	require.NoError(t, json.Unmarshal([]byte(raw), &h))
	assert.Equal(t, "RTE", h.MessageType)
}

func TestConcurrentClients(t *testing.T) {
	srv := startTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)
			for j := 0; j < 5; j++ {
				if _, err := conn.Write([]byte("SDS\n")); !assert.NoError(t, err) {
					return
				}
				raw, err := r.ReadString('\n')
				if !assert.NoError(t, err) {
					return
				}
				var h models.Header
				assert.NoError(t, json.Unmarshal([]byte(raw), &h))
				assert.Equal(t, models.ErrNone, h.Error)
			}
		}()
	}
	wg.Wait()
}

func TestShutdownClosesConnections(t *testing.T) {
	srv := startTestServer(t)
	conn, r := dial(t, srv)

	h := request(t, conn, r, "RTE")
	require.Equal(t, models.ErrNone, h.Error)

	srv.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := r.ReadString('\n')
	assert.Error(t, err)

	// Shutdown is idempotent.
	srv.Shutdown()
}
