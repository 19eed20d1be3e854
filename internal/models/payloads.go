package models

import (
	"tripline.opentransit.org/internal/reconcile"
	"tripline.opentransit.org/internal/schedule"
)

// AgencyInfo is one agency row in the SDS reply.
type AgencyInfo struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Timezone string `json:"timezone"`
	Lang     string `json:"lang,omitempty"`
}

// FeedWindow describes the loaded static bundle.
type FeedWindow struct {
	Publisher string `json:"publisher"`
	Version   string `json:"version"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ServerStatusResponse answers SDS.
type ServerStatusResponse struct {
	Header
	Agencies      []AgencyInfo `json:"agencies"`
	Feed          FeedWindow   `json:"feed"`
	UptimeSec     int64        `json:"uptime_sec"`
	Threads       int          `json:"threads"`
	ProcessedReqs int64        `json:"processed_reqs"`
}

// RouteInfo is one route row.
type RouteInfo struct {
	RouteID   string `json:"route_id"`
	ShortName string `json:"short_name,omitempty"`
	LongName  string `json:"long_name,omitempty"`
	Desc      string `json:"desc,omitempty"`
	Type      int    `json:"type"`
	Color     string `json:"color,omitempty"`
	TextColor string `json:"text_color,omitempty"`
	TripCount int    `json:"trip_count"`
}

func NewRouteInfo(route *schedule.Route) RouteInfo {
	return RouteInfo{
		RouteID:   route.ID,
		ShortName: route.ShortName,
		LongName:  route.LongName,
		Desc:      route.Desc,
		Type:      route.Type,
		Color:     route.Color,
		TextColor: route.TextColor,
		TripCount: len(route.Trips),
	}
}

// RoutesResponse answers RTE.
type RoutesResponse struct {
	Header
	Routes []RouteInfo `json:"routes"`
}

// TripStopInfo is one stop visit of a trip, with optional real-time columns.
type TripStopInfo struct {
	Sequence      int    `json:"seq"`
	StopID        string `json:"stop_id"`
	StopName      string `json:"stop_name"`
	Arrival       string `json:"arrival"`
	Departure     string `json:"departure"`
	PickupType    int    `json:"pickup_type"`
	DropOffType   int    `json:"drop_off_type"`
	Interpolated  bool   `json:"interpolated,omitempty"`
	PredArrival   string `json:"pred_arrival,omitempty"`
	PredDeparture string `json:"pred_departure,omitempty"`
}

// TripScheduleResponse answers TRI.
type TripScheduleResponse struct {
	Header
	TripID    string         `json:"trip_id"`
	RouteID   string         `json:"route_id"`
	ServiceID string         `json:"service_id"`
	Headsign  string         `json:"headsign,omitempty"`
	Stops     []TripStopInfo `json:"stops"`
}

// RouteTripInfo is one trip row in TSR/TRD replies.
type RouteTripInfo struct {
	TripID    string `json:"trip_id"`
	Headsign  string `json:"headsign,omitempty"`
	FirstTime string `json:"first_time"`
}

// RouteTripsResponse answers TSR and TRD.
type RouteTripsResponse struct {
	Header
	RouteID string          `json:"route_id"`
	Day     string          `json:"day,omitempty"`
	Trips   []RouteTripInfo `json:"trips"`
}

// StopVisitInfo is one trip calling at a stop in TSS/TSD replies.
type StopVisitInfo struct {
	TripID    string `json:"trip_id"`
	Headsign  string `json:"headsign,omitempty"`
	Arrival   string `json:"arrival"`
	Departure string `json:"departure"`
}

// StopRouteTrips groups a stop's visits by route.
type StopRouteTrips struct {
	RouteID   string          `json:"route_id"`
	RouteName string          `json:"route_name,omitempty"`
	Trips     []StopVisitInfo `json:"trips"`
}

// StopTripsResponse answers TSS and TSD.
type StopTripsResponse struct {
	Header
	StopID string           `json:"stop_id"`
	Day    string           `json:"day,omitempty"`
	Routes []StopRouteTrips `json:"routes"`
}

// StopInfo is one stop row.
type StopInfo struct {
	StopID        string  `json:"stop_id"`
	Name          string  `json:"name"`
	Desc          string  `json:"desc,omitempty"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	ParentStation string  `json:"parent_station,omitempty"`
}

func NewStopInfo(stop *schedule.Stop) StopInfo {
	return StopInfo{
		StopID:        stop.ID,
		Name:          stop.Name,
		Desc:          stop.Desc,
		Lat:           stop.Lat,
		Lon:           stop.Lon,
		ParentStation: stop.ParentStation,
	}
}

// StopStatusResponse answers STA.
type StopStatusResponse struct {
	Header
	Stop     StopInfo `json:"stop"`
	Routes   []string `json:"routes"`
	Siblings []string `json:"siblings,omitempty"`
	Children []string `json:"children,omitempty"`
}

// RouteStopInfo is one served stop in the SSR reply.
type RouteStopInfo struct {
	StopInfo
	TripCount int `json:"trip_count"`
}

// RouteStopsResponse answers SSR.
type RouteStopsResponse struct {
	Header
	RouteID string          `json:"route_id"`
	Stops   []RouteStopInfo `json:"stops"`
}

// OrphanStopsResponse answers SNT.
type OrphanStopsResponse struct {
	Header
	StopIDs []string `json:"stop_ids"`
}

// TripCall is one reconciled (trip, stop) observation on the wire. It is the
// row type of NEX, NCF and the connection replies.
type TripCall struct {
	TripID         string `json:"trip_id"`
	RouteID        string `json:"route_id,omitempty"`
	StopID         string `json:"stop_id"`
	StopSequence   int    `json:"stop_seq"`
	ServiceDate    string `json:"service_date"`
	SchedArrival   string `json:"sched_arrival,omitempty"`
	SchedDeparture string `json:"sched_departure,omitempty"`
	PredArrival    string `json:"pred_arrival,omitempty"`
	PredDeparture  string `json:"pred_departure,omitempty"`
	WaitTimeSec    int    `json:"wait_time_sec"`
	OffsetSec      int    `json:"offset_sec"`
	DelayMin       int    `json:"delay_min"`
	OnTime         bool   `json:"on_time"`
	Realtime       bool   `json:"realtime"`
	TripBegins     bool   `json:"trip_begins,omitempty"`
	TripTerminates bool   `json:"trip_terminates,omitempty"`
	Headsign       string `json:"headsign,omitempty"`
	Vehicle        string `json:"vehicle,omitempty"`
	TripStatus     string `json:"trip_status"`
	StopStatus     string `json:"stop_status"`
}

func NewTripCall(rec *reconcile.Record, twelveHour bool) TripCall {
	return TripCall{
		TripID:         rec.TripID,
		RouteID:        rec.RouteID,
		StopID:         rec.StopID,
		StopSequence:   rec.Sequence,
		ServiceDate:    FormatDate(rec.ServiceDate),
		SchedArrival:   FormatClock(rec.SchedArrival, twelveHour),
		SchedDeparture: FormatClock(rec.SchedDeparture, twelveHour),
		PredArrival:    FormatClock(rec.RealArrival, twelveHour),
		PredDeparture:  FormatClock(rec.RealDeparture, twelveHour),
		WaitTimeSec:    rec.WaitSeconds,
		OffsetSec:      rec.OffsetSeconds,
		DelayMin:       rec.DelayMinutes(),
		OnTime:         rec.OnTime(),
		Realtime:       rec.Realtime,
		TripBegins:     rec.TripBegins,
		TripTerminates: rec.TripTerminates,
		Headsign:       rec.Headsign,
		Vehicle:        rec.VehicleLabel,
		TripStatus:     string(rec.TripStatus),
		StopStatus:     string(rec.StopStatus),
	}
}

// NextRoute is one route's upcoming service in the NEX reply.
type NextRoute struct {
	RouteID   string     `json:"route_id"`
	RouteName string     `json:"route_name,omitempty"`
	Trips     []TripCall `json:"trips"`
}

// NextResponse answers NEX.
type NextResponse struct {
	Header
	Minutes int         `json:"minutes"`
	StopIDs []string    `json:"stop_ids"`
	Routes  []NextRoute `json:"routes"`
}

// NextCombinedResponse answers NCF.
type NextCombinedResponse struct {
	Header
	Minutes int        `json:"minutes"`
	StopIDs []string   `json:"stop_ids"`
	Trips   []TripCall `json:"trips"`
}

// DirectTrip is one single-seat ride in the SBS reply.
type DirectTrip struct {
	TripID    string `json:"trip_id"`
	RouteID   string `json:"route_id"`
	Headsign  string `json:"headsign,omitempty"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
}

// DirectServiceResponse answers SBS.
type DirectServiceResponse struct {
	Header
	Day         string       `json:"day"`
	Origin      string       `json:"origin"`
	Destination string       `json:"destination"`
	Trips       []DirectTrip `json:"trips"`
}

// LegInfo is one leg of a journey: where the rider boards and alights.
type LegInfo struct {
	Board  TripCall `json:"board"`
	Alight TripCall `json:"alight"`
}

// JourneyInfo is one candidate connection. Dead journeys surface the legs
// that did resolve.
type JourneyInfo struct {
	Dead bool      `json:"dead,omitempty"`
	Legs []LegInfo `json:"legs"`
}

func NewJourneyInfo(j *reconcile.Journey, twelveHour bool) JourneyInfo {
	out := JourneyInfo{Dead: j.Dead}
	for i := range j.Legs {
		out.Legs = append(out.Legs, LegInfo{
			Board:  NewTripCall(&j.Legs[i].Board, twelveHour),
			Alight: NewTripCall(&j.Legs[i].Alight, twelveHour),
		})
	}
	return out
}

// ConnectionsResponse answers the EES family. CurrentTrip is set for the
// trip-seeded variants.
type ConnectionsResponse struct {
	Header
	Minutes     int           `json:"minutes"`
	CurrentTrip string        `json:"current_trip,omitempty"`
	Journeys    []JourneyInfo `json:"journeys"`
}

// RefreshDiagnosticsResponse answers RDS.
type RefreshDiagnosticsResponse struct {
	Header
	FeedLocation string `json:"feed_location"`
	LocalFile    bool   `json:"local_file"`
	ActiveSide   string `json:"active_side"`
	IntervalSec  int    `json:"interval_sec"`
	LastAttempt  string `json:"last_attempt,omitempty"`
	Refreshes    int64  `json:"refreshes"`
	Failures     int64  `json:"failures"`
	LastError    string `json:"last_error,omitempty"`
}

// RouteTallyInfo is one route's active trip-update count.
type RouteTallyInfo struct {
	RouteID string `json:"route_id"`
	Count   int    `json:"count"`
}

// RealtimeSummaryResponse answers RPS.
type RealtimeSummaryResponse struct {
	Header
	Routes     []RouteTallyInfo    `json:"routes"`
	Duplicates []string            `json:"duplicates,omitempty"`
	Orphans    []string            `json:"orphans,omitempty"`
	Mismatched map[string][]string `json:"mismatched,omitempty"`
}

// RealtimeTripsResponse answers RTI.
type RealtimeTripsResponse struct {
	Header
	FeedTime  string   `json:"feed_time"`
	Added     []string `json:"added"`
	Active    []string `json:"active"`
	Cancelled []string `json:"cancelled"`
}

// RouteRealtimeTrip is one live trip in the TRR reply.
type RouteRealtimeTrip struct {
	TripID  string         `json:"trip_id"`
	Vehicle string         `json:"vehicle,omitempty"`
	Stops   []TripStopInfo `json:"stops"`
}

// RouteRealtime groups live trips by route.
type RouteRealtime struct {
	RouteID string              `json:"route_id"`
	Trips   []RouteRealtimeTrip `json:"trips"`
}

// RouteRealtimeResponse answers TRR.
type RouteRealtimeResponse struct {
	Header
	FeedTime string          `json:"feed_time"`
	Routes   []RouteRealtime `json:"routes"`
}
