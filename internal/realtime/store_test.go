package realtime

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	gtfs "github.com/OneBusAway/go-gtfs"
	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"tripline.opentransit.org/internal/schedule"
)

func staticStore(t *testing.T) *schedule.Store {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
			"1,Example Transit,https://transit.example,America/New_York\n",
		"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type\n" +
			"R1,1,10,Main Street,3\n" +
			"R2,1,20,Crosstown,3\n",
		"trips.txt": "trip_id,route_id,service_id,trip_headsign\n" +
			"T1,R1,WK,Downtown\n" +
			"T2,R1,WK,Downtown\n" +
			"T3,R2,WK,Airport\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"S1,First & Main,45.50,-122.60\n" +
			"S2,Second & Main,45.51,-122.61\n" +
			"S3,Third & Main,45.52,-122.62\n",
		"stop_times.txt": "trip_id,stop_id,stop_sequence,arrival_time,departure_time\n" +
			"T1,S1,1,08:00:00,08:00:00\n" +
			"T1,S2,2,08:10:00,08:11:00\n" +
			"T1,S3,3,08:20:00,08:20:00\n" +
			"T2,S1,1,08:30:00,08:30:00\n" +
			"T2,S2,2,08:40:00,08:40:00\n" +
			"T2,S3,3,08:50:00,08:50:00\n" +
			"T3,S3,1,09:00:00,09:00:00\n" +
			"T3,S1,2,09:15:00,09:15:00\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WK,1,1,1,1,1,0,0,20240101,20241231\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	store, err := schedule.Load(dir, slog.Default())
	require.NoError(t, err)
	return store
}

// serviceDay is a Monday inside the test calendar range.
func serviceDay(t *testing.T, static *schedule.Store) time.Time {
	t.Helper()
	return time.Date(2024, time.June, 3, 0, 0, 0, 0, static.Location())
}

func u32(v uint32) *uint32 { return &v }

func instant(t time.Time) *time.Time { return &t }

func delay(d time.Duration) *time.Duration { return &d }

func activeTrip(tripID, routeID string, updates ...gtfs.StopTimeUpdate) gtfs.Trip {
	return gtfs.Trip{
		ID:              gtfs.TripID{ID: tripID, RouteID: routeID},
		StopTimeUpdates: updates,
	}
}

func newTestStore(t *testing.T, opts Options, trips ...gtfs.Trip) (*Store, *schedule.Store) {
	t.Helper()
	static := staticStore(t)
	feed := &gtfs.Realtime{Trips: trips}
	return NewStore(feed, static, opts), static
}

func TestClassification(t *testing.T) {
	store, _ := newTestStore(t, Options{},
		activeTrip("T1", "R1"),
		gtfs.Trip{ID: gtfs.TripID{ID: "T2", RouteID: "R1", ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED}},
		gtfs.Trip{ID: gtfs.TripID{ID: "X9", RouteID: "R1", ScheduleRelationship: gtfsrt.TripDescriptor_ADDED}},
		activeTrip("ghost", ""),
		activeTrip("T1", "R1"), // repeated trip-id, first placement wins
	)

	assert.Equal(t, []string{"T1", "ghost"}, store.ActiveTripIDs())
	assert.Equal(t, []string{"T2"}, store.CancelledTripIDs())
	assert.Equal(t, []string{"X9"}, store.AddedTripIDs())
	assert.Equal(t, []string{"T1"}, store.DuplicateTripIDs())
	assert.Equal(t, []string{"ghost"}, store.OrphanTripIDs())

	assert.True(t, store.Exists("T1"))
	assert.True(t, store.Exists("X9"))
	assert.False(t, store.Exists("T3"))
	assert.True(t, store.IsAdded("X9"))
	assert.False(t, store.IsAdded("T1"))
	assert.Equal(t, 5, store.EntityCount())
}

func TestRouteTally(t *testing.T) {
	// T1 carries no explicit route-id; it resolves through the schedule.
	store, _ := newTestStore(t, Options{},
		activeTrip("T1", ""),
		activeTrip("T2", "R1"),
		activeTrip("T3", "R2"),
		activeTrip("ghost", ""),
	)

	assert.Equal(t, map[string]int{"R1": 2, "R2": 1}, store.RouteTally())
}

func TestSkippedStops(t *testing.T) {
	store, _ := newTestStore(t, Options{},
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence:         u32(2),
			ScheduleRelationship: gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED,
		}),
	)

	// The stop-id is resolved from the schedule when the update omits it.
	skipped := store.SkippedAtStop("S2")
	require.Len(t, skipped, 1)
	assert.Equal(t, TripSequence{TripID: "T1", StopSequence: 2}, skipped[0])

	assert.True(t, store.SkipsStop("T1", "S2", 2))
	assert.False(t, store.SkipsStop("T1", "S2", 3))
	assert.False(t, store.SkipsStop("T2", "S2", 2))
	assert.Empty(t, store.SkippedAtStop("S1"))
}

func TestMismatchedTrips(t *testing.T) {
	store, _ := newTestStore(t, Options{},
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{StopSequence: u32(99)}),
		activeTrip("T2", "", gtfs.StopTimeUpdate{StopSequence: u32(1)}),
	)

	mismatched := store.MismatchedTrips()
	require.Contains(t, mismatched, "R1")
	assert.Equal(t, []string{"T1"}, mismatched["R1"])
	assert.Len(t, mismatched, 1)
}

func TestDateMatching(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	june3 := time.Date(2024, time.June, 3, 0, 0, 0, 0, loc)
	june4 := june3.AddDate(0, 0, 1)

	cancelled := gtfs.Trip{ID: gtfs.TripID{
		ID:                   "T2",
		RouteID:              "R1",
		HasStartDate:         true,
		StartDate:            june3,
		ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED,
	}}

	cases := []struct {
		name        string
		opts        Options
		serviceDate time.Time
		actualDate  time.Time
		want        bool
	}{
		{"service date matches", Options{DateMatching: MatchServiceDate}, june3, june4, true},
		{"service date differs", Options{DateMatching: MatchServiceDate}, june4, june3, false},
		{"actual date matches", Options{DateMatching: MatchActualDate}, june4, june3, true},
		{"actual date differs", Options{DateMatching: MatchActualDate}, june3, june4, false},
		{"no matching", Options{DateMatching: MatchNone}, june4, june4, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{cancelled}}, static, tc.opts)
			assert.Equal(t, tc.want, store.IsCancelled("T2", tc.serviceDate, tc.actualDate))
		})
	}

	// Updates without a start_date always apply.
	bare := gtfs.Trip{ID: gtfs.TripID{ID: "T2", RouteID: "R1", ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED}}
	store := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{bare}}, static, Options{DateMatching: MatchServiceDate})
	assert.True(t, store.IsCancelled("T2", june4, june4))
}

func TestIsScheduledRunning(t *testing.T) {
	store, static := newTestStore(t, Options{}, activeTrip("T1", "R1"))
	day := serviceDay(t, static)

	assert.True(t, store.IsScheduledRunning("T1", day, day))
	assert.False(t, store.IsScheduledRunning("T2", day, day))
}

func TestStopActualTimeDirectDelay(t *testing.T) {
	store, static := newTestStore(t, Options{},
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence: u32(2),
			Arrival:      &gtfs.StopTimeEvent{Delay: delay(2 * time.Minute)},
		}),
	)
	day := serviceDay(t, static)
	loc := static.Location()

	p := store.StopActualTime("T1", "S2", 2, day)
	require.True(t, p.HasArrival)
	require.True(t, p.HasDeparture)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 12, 0, 0, loc), p.Arrival)
	// The arrival delay carries over to the departure side.
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 13, 0, 0, loc), p.Departure)
}

func TestStopActualTimePosixVerbatim(t *testing.T) {
	static := staticStore(t)
	day := serviceDay(t, static)
	loc := static.Location()
	exact := time.Date(2024, time.June, 3, 8, 14, 30, 0, loc)

	store := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence: u32(2),
			Arrival:      &gtfs.StopTimeEvent{Time: instant(exact)},
			Departure:    &gtfs.StopTimeEvent{Time: instant(exact.Add(30 * time.Second))},
		}),
	}}, static, Options{})

	p := store.StopActualTime("T1", "S2", 2, day)
	require.True(t, p.HasArrival)
	require.True(t, p.HasDeparture)
	assert.True(t, p.Arrival.Equal(exact))
	assert.True(t, p.Departure.Equal(exact.Add(30*time.Second)))
}

func TestStopActualTimeDelayPropagation(t *testing.T) {
	store, static := newTestStore(t, Options{},
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence: u32(1),
			Departure:    &gtfs.StopTimeEvent{Delay: delay(time.Minute)},
		}),
	)
	day := serviceDay(t, static)
	loc := static.Location()

	// No direct update at stop 3; the delay declared upstream carries.
	p := store.StopActualTime("T1", "S3", 3, day)
	require.True(t, p.HasArrival)
	require.True(t, p.HasDeparture)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 21, 0, 0, loc), p.Arrival)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 21, 0, 0, loc), p.Departure)
}

func TestStopActualTimeLatestDelayWins(t *testing.T) {
	store, static := newTestStore(t, Options{},
		activeTrip("T1", "R1",
			gtfs.StopTimeUpdate{
				StopSequence: u32(1),
				Departure:    &gtfs.StopTimeEvent{Delay: delay(5 * time.Minute)},
			},
			gtfs.StopTimeUpdate{
				StopSequence: u32(2),
				Departure:    &gtfs.StopTimeEvent{Delay: delay(time.Minute)},
			},
		),
	)
	day := serviceDay(t, static)
	loc := static.Location()

	p := store.StopActualTime("T1", "S3", 3, day)
	require.True(t, p.HasArrival)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 21, 0, 0, loc), p.Arrival)
}

func TestStopActualTimePosixNeverPropagated(t *testing.T) {
	static := staticStore(t)
	day := serviceDay(t, static)
	loc := static.Location()
	exact := time.Date(2024, time.June, 3, 8, 2, 0, 0, loc)

	store := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence: u32(1),
			Departure:    &gtfs.StopTimeEvent{Time: instant(exact)},
		}),
	}}, static, Options{})

	p := store.StopActualTime("T1", "S2", 2, day)
	assert.False(t, p.HasArrival)
	assert.False(t, p.HasDeparture)
}

func TestStopActualTimeUnknownTrip(t *testing.T) {
	store, static := newTestStore(t, Options{}, activeTrip("T1", "R1"))
	day := serviceDay(t, static)

	p := store.StopActualTime("T2", "S1", 1, day)
	assert.False(t, p.HasArrival)
	assert.False(t, p.HasDeparture)
}

func TestLoosenedSequenceMatching(t *testing.T) {
	// The feed publishes wrong sequence numbers; matching falls back to
	// stop-ids when loosened.
	trip := activeTrip("T1", "R1", gtfs.StopTimeUpdate{
		StopSequence: u32(77),
		StopID:       proto.String("S2"),
		Arrival:      &gtfs.StopTimeEvent{Delay: delay(time.Minute)},
	})
	static := staticStore(t)
	day := serviceDay(t, static)
	loc := static.Location()

	strict := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{trip}}, static, Options{})
	p := strict.StopActualTime("T1", "S2", 2, day)
	assert.False(t, p.HasArrival)

	loose := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{trip}}, static, Options{LoosenSequenceMatch: true})
	p = loose.StopActualTime("T1", "S2", 2, day)
	require.True(t, p.HasArrival)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 11, 0, 0, loc), p.Arrival)
}

func TestAlreadyPassed(t *testing.T) {
	trip := activeTrip("T1", "R1", gtfs.StopTimeUpdate{
		StopSequence: u32(3),
		Arrival:      &gtfs.StopTimeEvent{Delay: delay(time.Minute)},
	})
	static := staticStore(t)

	store := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{trip}}, static, Options{})
	assert.True(t, store.AlreadyPassed("T1", 2))
	assert.False(t, store.AlreadyPassed("T1", 3))
	assert.False(t, store.AlreadyPassed("T2", 1))

	// Sequence numbers cannot be trusted when matching is loosened.
	loose := NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{trip}}, static, Options{LoosenSequenceMatch: true})
	assert.False(t, loose.AlreadyPassed("T1", 2))

	// An update without sequence numbers proves nothing.
	noSeq := activeTrip("T1", "R1", gtfs.StopTimeUpdate{StopID: proto.String("S3")})
	store = NewStore(&gtfs.Realtime{Trips: []gtfs.Trip{noSeq}}, static, Options{})
	assert.False(t, store.AlreadyPassed("T1", 1))
}

func TestFillStopTimes(t *testing.T) {
	store, static := newTestStore(t, Options{},
		activeTrip("T1", "R1", gtfs.StopTimeUpdate{
			StopSequence: u32(2),
			Departure:    &gtfs.StopTimeEvent{Delay: delay(time.Minute)},
		}),
	)
	day := serviceDay(t, static)
	loc := static.Location()

	preds := store.FillStopTimes("T1", day)
	require.Len(t, preds, 3)

	// Stop 1 precedes every update; nothing propagates backwards.
	assert.False(t, preds[0].HasArrival)
	assert.False(t, preds[0].HasDeparture)

	assert.True(t, preds[1].HasDeparture)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 12, 0, 0, loc), preds[1].Departure)

	// Stop 3 inherits the propagated delay.
	require.True(t, preds[2].HasArrival)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 21, 0, 0, loc), preds[2].Arrival)

	assert.Nil(t, store.FillStopTimes("nope", day))
	inactive := store.FillStopTimes("T2", day)
	require.Len(t, inactive, 3)
	assert.False(t, inactive[0].HasArrival)
}

func TestVehicleLabel(t *testing.T) {
	trip := activeTrip("T1", "R1")
	trip.Vehicle = &gtfs.Vehicle{ID: &gtfs.VehicleID{ID: "v1", Label: "Bus 42"}}

	store, _ := newTestStore(t, Options{}, trip, activeTrip("T2", "R1"))
	assert.Equal(t, "Bus 42", store.VehicleLabel("T1"))
	assert.Equal(t, "", store.VehicleLabel("T2"))
	assert.Equal(t, "", store.VehicleLabel("T3"))
}

// marshalFeed builds wire bytes the way producers do, so the test exercises
// the same parse path as the refresher.
func marshalFeed(t *testing.T, timestamp uint64, entities ...*gtfsrt.FeedEntity) []byte {
	t.Helper()
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(timestamp),
		},
		Entity: entities,
	}
	b, err := proto.Marshal(msg)
	require.NoError(t, err)
	return b
}

func testFeedEntities() []*gtfsrt.FeedEntity {
	return []*gtfsrt.FeedEntity{
		{
			Id: proto.String("1"),
			TripUpdate: &gtfsrt.TripUpdate{
				Trip: &gtfsrt.TripDescriptor{TripId: proto.String("T1"), RouteId: proto.String("R1")},
				StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{
					{
						StopSequence: proto.Uint32(2),
						Arrival:      &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(120)},
					},
				},
			},
		},
		{
			Id: proto.String("2"),
			TripUpdate: &gtfsrt.TripUpdate{
				Trip: &gtfsrt.TripDescriptor{
					TripId:               proto.String("T2"),
					RouteId:              proto.String("R1"),
					ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED.Enum(),
				},
			},
		},
	}
}

func TestStoreFromWireBytes(t *testing.T) {
	static := staticStore(t)
	day := serviceDay(t, static)
	loc := static.Location()

	b := marshalFeed(t, uint64(time.Date(2024, time.June, 3, 8, 5, 0, 0, loc).Unix()), testFeedEntities()...)
	feed, err := gtfs.ParseRealtime(b, &gtfs.ParseRealtimeOptions{Timezone: loc})
	require.NoError(t, err)

	store := NewStore(feed, static, Options{})
	assert.Equal(t, []string{"T1"}, store.ActiveTripIDs())
	assert.Equal(t, []string{"T2"}, store.CancelledTripIDs())
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 5, 0, 0, loc).Unix(), store.FeedTimestamp.Unix())

	p := store.StopActualTime("T1", "S2", 2, day)
	require.True(t, p.HasArrival)
	assert.Equal(t, time.Date(2024, time.June, 3, 8, 12, 0, 0, loc), p.Arrival)
}

func TestRebuildFromSameBytesIsIdentical(t *testing.T) {
	static := staticStore(t)
	day := serviceDay(t, static)
	loc := static.Location()
	b := marshalFeed(t, 1717416300, testFeedEntities()...)

	build := func() *Store {
		feed, err := gtfs.ParseRealtime(b, &gtfs.ParseRealtimeOptions{Timezone: loc})
		require.NoError(t, err)
		return NewStore(feed, static, Options{})
	}
	first := build()
	second := build()

	assert.Equal(t, first.ActiveTripIDs(), second.ActiveTripIDs())
	assert.Equal(t, first.CancelledTripIDs(), second.CancelledTripIDs())
	assert.Equal(t, first.AddedTripIDs(), second.AddedTripIDs())
	assert.Equal(t, first.FeedTimestamp, second.FeedTimestamp)
	assert.Equal(t, first.StopActualTime("T1", "S2", 2, day), second.StopActualTime("T1", "S2", 2, day))
	assert.Equal(t, first.IsCancelled("T2", day, day), second.IsCancelled("T2", day, day))
}
