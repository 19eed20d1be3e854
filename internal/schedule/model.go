package schedule

import (
	"time"
)

// Pickup and drop-off codes from stop_times.txt.
const (
	BoardingRegular = 0 // regularly scheduled
	BoardingNone    = 1 // not available
	BoardingAgency  = 2 // must phone agency
	BoardingDriver  = 3 // must coordinate with driver
)

// FeedInfo carries feed_info.txt metadata plus the load timestamp.
type FeedInfo struct {
	PublisherName string
	PublisherURL  string
	Lang          string
	Version       string
	StartDate     time.Time
	EndDate       time.Time
}

// Agency is one row of agency.txt. The first agency's timezone governs every
// time conversion in the server.
type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
	Lang     string
	Phone    string
}

// RouteTrip pairs a trip with its first scheduled time, for the per-route
// ordered trip list.
type RouteTrip struct {
	TripID    string
	FirstTime int // noon offset of the trip's first departure (or arrival)
}

// Route is one row of routes.txt plus the derived collections built at load.
type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Desc      string
	Type      int
	Color     string
	TextColor string

	// Trips is ordered by FirstTime ascending, trip-id as tie-break.
	Trips []RouteTrip
	// StopService counts trips of this route serving each stop.
	StopService map[string]int
}

// Name returns the short name when present, else the long name.
func (r *Route) Name() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	return r.LongName
}

// StopTime is one (trip, stop-sequence) visit. Arrival and Departure are noon
// offsets; gtfstime.NoTime marks absence.
type StopTime struct {
	StopID       string
	Sequence     int
	Arrival      int
	Departure    int
	PickupType   int
	DropOffType  int
	Headsign     string
	ShapeDist    float64
	HasShapeDist bool
	Interpolated bool
}

// Trip is one row of trips.txt with its ordered stop times.
type Trip struct {
	ID        string
	RouteID   string
	ServiceID string
	Headsign  string
	ShortName string

	// StopTimes is ordered by Sequence ascending.
	StopTimes []StopTime
}

// StopVisit points from a stop into one trip's stop-time list.
type StopVisit struct {
	TripID        string
	StopTimeIndex int
	// SortTime is the first non-NoTime arrival or departure at this index
	// or later within the trip.
	SortTime int
}

// Stop is one row of stops.txt plus the derived per-route visit lists.
type Stop struct {
	ID            string
	Name          string
	Desc          string
	Lat           float64
	Lon           float64
	ParentStation string

	// RouteVisits maps route-id to visits sorted by SortTime ascending,
	// trip-id as tie-break.
	RouteVisits map[string][]StopVisit
}

// Calendar exception types from calendar_dates.txt.
const (
	ExceptionAdded   = 1
	ExceptionRemoved = 2
)

// Calendar is the service pattern for one service-id: a weekday bitmap over a
// date range, with per-date overrides.
type Calendar struct {
	ServiceID string
	Weekdays  [7]bool // indexed by time.Weekday
	StartDate time.Time
	EndDate   time.Time

	// Overrides maps yyyymmdd to ExceptionAdded or ExceptionRemoved.
	Overrides map[string]int
}
