package reconcile

import (
	"testing"
	"time"

	gtfs "github.com/OneBusAway/go-gtfs"
	gtfsrt "github.com/OneBusAway/go-gtfs/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripline.opentransit.org/internal/realtime"
)

func TestTwoLegConnection(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})
	now := localTime(loc, 7, 55, 0)

	// L1 arrives at B 08:20. With a 5-15 minute window, boarding must fall
	// in [08:25, 08:35]: L3 (departs 08:22) is too early, L2 (08:30) fits.
	journeys := r.FindConnections(Query{ServiceDate: localTime(loc, 0, 0, 0), Now: now, LookAhead: time.Hour},
		[]LegSpec{
			{OriginStops: []string{"A"}, DestStops: []string{"B"}},
			{OriginStops: []string{"B"}, DestStops: []string{"C"}, MinTransfer: 5 * time.Minute, MaxTransfer: 15 * time.Minute},
		})
	require.Len(t, journeys, 1)
	j := journeys[0]
	assert.False(t, j.Dead)
	require.Len(t, j.Legs, 2)

	assert.Equal(t, "L1", j.Legs[0].Board.TripID)
	assert.Equal(t, "A", j.Legs[0].Board.StopID)
	assert.Equal(t, "B", j.Legs[0].Alight.StopID)
	assert.Equal(t, 300, j.Legs[0].Board.WaitSeconds)

	assert.Equal(t, "L2", j.Legs[1].Board.TripID)
	assert.Equal(t, "C", j.Legs[1].Alight.StopID)
}

func TestConnectionWindowExhausted(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	// [08:25, 08:28]: L3 left at 08:22 and L2 leaves at 08:30.
	journeys := r.FindConnections(Query{ServiceDate: localTime(loc, 0, 0, 0), Now: localTime(loc, 7, 55, 0), LookAhead: time.Hour},
		[]LegSpec{
			{OriginStops: []string{"A"}, DestStops: []string{"B"}},
			{OriginStops: []string{"B"}, DestStops: []string{"C"}, MinTransfer: 5 * time.Minute, MaxTransfer: 8 * time.Minute},
		})
	require.Len(t, journeys, 1)
	assert.True(t, journeys[0].Dead)
	assert.Len(t, journeys[0].Legs, 1)
}

func TestUnboundedTransferWindow(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	// Max 0 means no upper bound; the earliest departure after min wins.
	journeys := r.FindConnections(Query{ServiceDate: localTime(loc, 0, 0, 0), Now: localTime(loc, 7, 55, 0), LookAhead: time.Hour},
		[]LegSpec{
			{OriginStops: []string{"A"}, DestStops: []string{"B"}},
			{OriginStops: []string{"B"}, DestStops: []string{"C"}, MinTransfer: time.Minute},
		})
	require.Len(t, journeys, 1)
	require.Len(t, journeys[0].Legs, 2)
	assert.Equal(t, "L3", journeys[0].Legs[1].Board.TripID)
}

func TestWrongDirectionPairExcluded(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	// B precedes A on no trip; the reversed query yields nothing.
	journeys := r.FindConnections(Query{ServiceDate: localTime(loc, 0, 0, 0), Now: localTime(loc, 7, 55, 0), LookAhead: time.Hour},
		[]LegSpec{{OriginStops: []string{"B"}, DestStops: []string{"A"}}})
	assert.Empty(t, journeys)
}

func TestNoBoardingAtPickupRestrictedStop(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	// T1 reaches S3 with pickup_type 1; it cannot start a leg there.
	journeys := r.FindConnections(Query{ServiceDate: localTime(loc, 0, 0, 0), Now: localTime(loc, 7, 55, 0), LookAhead: time.Hour},
		[]LegSpec{{OriginStops: []string{"S3"}, DestStops: []string{"S1"}}})
	assert.Empty(t, journeys)
}

func TestCancelledLegExcluded(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	rt := rtStore(t, static, realtime.Options{},
		gtfs.Trip{ID: gtfs.TripID{ID: "L1", RouteID: "RA", ScheduleRelationship: gtfsrt.TripDescriptor_CANCELED}},
	)
	journeys := r.FindConnections(Query{
		StopIDs:     nil,
		Realtime:    rt,
		ServiceDate: localTime(loc, 0, 0, 0),
		Now:         localTime(loc, 7, 55, 0),
		LookAhead:   time.Hour,
	}, []LegSpec{{OriginStops: []string{"A"}, DestStops: []string{"B"}}})
	assert.Empty(t, journeys)
}

func TestOnwardConnectionFromCurrentTrip(t *testing.T) {
	static := staticStore(t)
	loc := static.Location()
	r := New(static, Config{})

	// The rider is aboard L1 and will alight at B, then continue to C.
	journeys, ok := r.FindOnwardConnections(Query{
		ServiceDate: localTime(loc, 0, 0, 0),
		Now:         localTime(loc, 8, 5, 0),
		LookAhead:   time.Hour,
	}, "L1", []LegSpec{
		{DestStops: []string{"B"}},
		{OriginStops: []string{"B"}, DestStops: []string{"C"}, MinTransfer: 5 * time.Minute, MaxTransfer: 15 * time.Minute},
	})
	require.True(t, ok)
	require.Len(t, journeys, 1)
	j := journeys[0]
	assert.False(t, j.Dead)
	require.Len(t, j.Legs, 2)
	assert.Equal(t, "L1", j.Legs[0].Board.TripID)
	assert.Equal(t, "B", j.Legs[0].Alight.StopID)
	assert.Equal(t, "L2", j.Legs[1].Board.TripID)

	_, ok = r.FindOnwardConnections(Query{
		ServiceDate: localTime(loc, 0, 0, 0),
		Now:         localTime(loc, 8, 5, 0),
	}, "nope", []LegSpec{{DestStops: []string{"B"}}})
	assert.False(t, ok)
}
