// Package reconcile merges the static schedule with the active real-time
// store to produce the ordered upcoming-service view at a stop, the per-trip
// lifecycle statuses, and the multi-leg connection search built on top of
// them.
package reconcile

import (
	"sort"
	"time"

	gtfs "github.com/OneBusAway/go-gtfs"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/realtime"
	"tripline.opentransit.org/internal/schedule"
)

// TripStatus is the lifecycle label for one (trip, stop) observation.
type TripStatus string

const (
	TripSchedule   TripStatus = "SCHEDULE"
	TripNoSchedule TripStatus = "NOSCHEDULE"
	TripIrrelevant TripStatus = "IRRELEVANT"
	TripArrive     TripStatus = "ARRIVE"
	TripBoard      TripStatus = "BOARD"
	TripDepart     TripStatus = "DEPART"
	TripRunning    TripStatus = "RUNNING"
	TripSkip       TripStatus = "SKIP"
	TripCancel     TripStatus = "CANCEL"
)

// StopStatus labels the evidentiary basis of the displayed time.
type StopStatus string

const (
	StopSched       StopStatus = "SCHD"
	StopPredicted   StopStatus = "PRED"
	StopFull        StopStatus = "FULL"
	StopSupplements StopStatus = "SPLM"
)

// Classification thresholds, in seconds.
const (
	arriveWindowSec    = 30
	departWindowSec    = 30
	realtimeStaleSec   = 60
	onTimeToleranceSec = 60
	cancelledRetainSec = 120
)

// Record is one reconciled (trip, stop) observation. Records are flat values
// built fresh per request; nothing in them is shared.
type Record struct {
	TripID        string
	RouteID       string
	StopID        string
	Sequence      int
	StopTimeIndex int
	ServiceDate   time.Time

	SchedArrival   time.Time
	SchedDeparture time.Time
	RealArrival    time.Time
	RealDeparture  time.Time
	SortTime       time.Time

	WaitSeconds   int
	OffsetSeconds int
	Realtime      bool

	TripBegins     bool
	TripTerminates bool
	PickupType     int
	DropOffType    int
	Headsign       string
	VehicleLabel   string

	TripStatus TripStatus
	StopStatus StopStatus
}

// DepartureTime is the best-known departure instant: predicted when present,
// scheduled otherwise, the sort time as a last resort.
func (r *Record) DepartureTime() time.Time {
	switch {
	case !r.RealDeparture.IsZero():
		return r.RealDeparture
	case !r.SchedDeparture.IsZero():
		return r.SchedDeparture
	default:
		return r.SortTime
	}
}

// ArrivalTime is the best-known arrival instant.
func (r *Record) ArrivalTime() time.Time {
	switch {
	case !r.RealArrival.IsZero():
		return r.RealArrival
	case !r.SchedArrival.IsZero():
		return r.SchedArrival
	default:
		return r.SortTime
	}
}

// OnTime reports whether the prediction sits within the on-time tolerance of
// the schedule.
func (r *Record) OnTime() bool {
	return abs(r.OffsetSeconds) <= onTimeToleranceSec
}

// DelayMinutes is the signed schedule deviation in whole minutes.
func (r *Record) DelayMinutes() int {
	return r.OffsetSeconds / 60
}

// Config carries the operator knobs that shape reconciler output.
type Config struct {
	// TripsPerRoute truncates each route's sorted list; 0 keeps everything.
	TripsPerRoute int
	// HideTerminating drops records whose trip ends at the queried stop.
	HideTerminating bool
	// AllSkippedIsCanceled upgrades a skip to a cancellation when every stop
	// of the trip is skipped.
	AllSkippedIsCanceled bool
}

// Query is one reconciliation request.
type Query struct {
	// StopIDs are the queried stops; parent stations expand to children.
	StopIDs []string
	// Realtime is the request's store snapshot; nil runs schedule-only.
	Realtime *realtime.Store
	// ServiceDate is the operating-day label for "today".
	ServiceDate time.Time
	// Now is the agency-local request time.
	Now time.Time
	// LookAhead bounds how far into the future records are kept; 0 is
	// unbounded.
	LookAhead time.Duration
}

// RouteRecords is the per-route slice of surviving records, sorted by wait
// time.
type RouteRecords struct {
	RouteID string
	Route   *schedule.Route
	Records []Record
}

// Reconciler answers upcoming-service queries against one schedule store.
type Reconciler struct {
	static *schedule.Store
	config Config
}

func New(static *schedule.Store, config Config) *Reconciler {
	return &Reconciler{static: static, config: config}
}

// UpcomingByRoute yields the upcoming-service view grouped by route.
func (r *Reconciler) UpcomingByRoute(q Query) map[string]*RouteRecords {
	records := r.gather(q)

	grouped := map[string]*RouteRecords{}
	for _, rec := range records {
		g, ok := grouped[rec.RouteID]
		if !ok {
			g = &RouteRecords{RouteID: rec.RouteID, Route: r.static.Route(rec.RouteID)}
			grouped[rec.RouteID] = g
		}
		g.Records = append(g.Records, rec)
	}

	for _, g := range grouped {
		sortRecords(g.Records)
		if r.config.TripsPerRoute > 0 && len(g.Records) > r.config.TripsPerRoute {
			g.Records = g.Records[:r.config.TripsPerRoute]
		}
	}
	return grouped
}

// UpcomingCombined flattens across routes and sorts by wait time.
func (r *Reconciler) UpcomingCombined(q Query) []Record {
	records := r.gather(q)
	sortRecords(records)
	return records
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].WaitSeconds != records[j].WaitSeconds {
			return records[i].WaitSeconds < records[j].WaitSeconds
		}
		return records[i].TripID < records[j].TripID
	})
}

// gather produces the surviving records for a query, unsorted.
func (r *Reconciler) gather(q Query) []Record {
	stopIDs := r.expandStops(q.StopIDs)
	window := gtfstime.ServiceWindow(q.ServiceDate)

	var out []Record
	for _, stopID := range stopIDs {
		stop := r.static.Stop(stopID)
		if stop == nil {
			continue
		}
		for routeID, visits := range stop.RouteVisits {
			for _, visit := range visits {
				trip := r.static.Trip(visit.TripID)
				if trip == nil {
					continue
				}
				for _, date := range window {
					if !r.static.Running(trip.ServiceID, date) {
						continue
					}
					rec := r.buildRecord(trip, routeID, stop, visit, date)
					r.applyRealtime(&rec, trip, q)
					r.invalidate(&rec, q)
					if rec.TripStatus == TripIrrelevant {
						continue
					}
					if r.config.HideTerminating && rec.TripTerminates {
						continue
					}
					out = append(out, rec)
				}
			}
		}
	}

	if q.Realtime != nil {
		out = append(out, r.supplementalRecords(q, stopIDs)...)
	}
	return out
}

func (r *Reconciler) expandStops(ids []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range ids {
		for _, child := range r.static.ExpandStop(id) {
			if !seen[child] {
				seen[child] = true
				out = append(out, child)
			}
		}
	}
	return out
}

func (r *Reconciler) buildRecord(trip *schedule.Trip, routeID string, stop *schedule.Stop, visit schedule.StopVisit, date time.Time) Record {
	st := &trip.StopTimes[visit.StopTimeIndex]
	loc := r.static.Location()

	rec := Record{
		TripID:         trip.ID,
		RouteID:        routeID,
		StopID:         stop.ID,
		Sequence:       st.Sequence,
		StopTimeIndex:  visit.StopTimeIndex,
		ServiceDate:    date,
		SortTime:       gtfstime.ToInstant(date, visit.SortTime, loc),
		TripBegins:     visit.StopTimeIndex == 0,
		TripTerminates: visit.StopTimeIndex == len(trip.StopTimes)-1,
		PickupType:     st.PickupType,
		DropOffType:    st.DropOffType,
		Headsign:       trip.Headsign,
		TripStatus:     TripNoSchedule,
		StopStatus:     StopSched,
	}
	if st.Headsign != "" {
		rec.Headsign = st.Headsign
	}
	if st.Arrival != gtfstime.NoTime {
		rec.SchedArrival = gtfstime.ToInstant(date, st.Arrival, loc)
	}
	if st.Departure != gtfstime.NoTime {
		rec.SchedDeparture = gtfstime.ToInstant(date, st.Departure, loc)
	}
	if !rec.SchedArrival.IsZero() || !rec.SchedDeparture.IsZero() {
		rec.TripStatus = TripSchedule
	}
	return rec
}

// actualDate is the civil date the trip visit falls on, which differs from
// the service date for after-midnight stops.
func (r *Reconciler) actualDate(rec *Record) time.Time {
	ref := rec.SchedArrival
	if ref.IsZero() {
		ref = rec.SchedDeparture
	}
	if ref.IsZero() {
		ref = rec.SortTime
	}
	return gtfstime.DateOnly(ref)
}

func (r *Reconciler) applyRealtime(rec *Record, trip *schedule.Trip, q Query) {
	rt := q.Realtime
	if rt == nil {
		return
	}
	actualDate := r.actualDate(rec)

	if rt.IsCancelled(rec.TripID, rec.ServiceDate, actualDate) {
		rec.TripStatus = TripCancel
		return
	}
	if rt.SkipsStop(rec.TripID, rec.StopID, rec.Sequence) {
		rec.TripStatus = TripSkip
		if r.config.AllSkippedIsCanceled && r.allStopsSkipped(rt, trip) {
			rec.TripStatus = TripCancel
		}
		return
	}
	if !rt.IsScheduledRunning(rec.TripID, rec.ServiceDate, actualDate) {
		return
	}
	if rt.AlreadyPassed(rec.TripID, rec.Sequence) {
		rec.TripStatus = TripIrrelevant
		return
	}

	pred := rt.StopActualTime(rec.TripID, rec.StopID, rec.Sequence, rec.ServiceDate)
	if !pred.HasArrival && !pred.HasDeparture {
		// Running per the feed, but nothing predicted for this stop.
		if !rec.SchedDeparture.IsZero() && rec.SchedDeparture.Before(q.Now) {
			rec.TripStatus = TripIrrelevant
		}
		return
	}

	rec.Realtime = true
	rec.VehicleLabel = rt.VehicleLabel(rec.TripID)
	if pred.HasArrival {
		rec.RealArrival = pred.Arrival
	}
	if pred.HasDeparture {
		rec.RealDeparture = pred.Departure
	}
	rec.StopStatus = predictionBasis(rec)
	rec.OffsetSeconds = scheduleOffset(rec)
	rec.TripStatus = classifyRunning(rec, q.Now)
}

// allStopsSkipped reports whether the feed skips the trip at every scheduled
// stop.
func (r *Reconciler) allStopsSkipped(rt *realtime.Store, trip *schedule.Trip) bool {
	for i := range trip.StopTimes {
		st := &trip.StopTimes[i]
		if !rt.SkipsStop(trip.ID, st.StopID, st.Sequence) {
			return false
		}
	}
	return len(trip.StopTimes) > 0
}

// predictionBasis implements the predicted-time table: FULL when a predicted
// component lines up with its scheduled counterpart, PRED otherwise.
func predictionBasis(rec *Record) StopStatus {
	if (!rec.RealArrival.IsZero() && !rec.SchedArrival.IsZero()) ||
		(!rec.RealDeparture.IsZero() && !rec.SchedDeparture.IsZero()) {
		return StopFull
	}
	return StopPredicted
}

// waitReference picks the instant that wait time counts down to.
func waitReference(rec *Record) time.Time {
	hasPredArr := !rec.RealArrival.IsZero()
	hasPredDep := !rec.RealDeparture.IsZero()

	switch {
	case hasPredArr && hasPredDep:
		// Departure wins only when the schedule knows the departure side
		// alone.
		if rec.SchedArrival.IsZero() && !rec.SchedDeparture.IsZero() {
			return rec.RealDeparture
		}
		return rec.RealArrival
	case hasPredArr:
		return rec.RealArrival
	case hasPredDep:
		return rec.RealDeparture
	case !rec.SchedArrival.IsZero():
		return rec.SchedArrival
	case !rec.SchedDeparture.IsZero():
		return rec.SchedDeparture
	default:
		return rec.SortTime
	}
}

func scheduleOffset(rec *Record) int {
	switch {
	case !rec.RealArrival.IsZero() && !rec.SchedArrival.IsZero():
		return int(rec.RealArrival.Sub(rec.SchedArrival).Seconds())
	case !rec.RealDeparture.IsZero() && !rec.SchedDeparture.IsZero():
		return int(rec.RealDeparture.Sub(rec.SchedDeparture).Seconds())
	default:
		return 0
	}
}

func classifyRunning(rec *Record, now time.Time) TripStatus {
	if !rec.RealArrival.IsZero() {
		d := rec.RealArrival.Sub(now)
		if d >= 0 && d <= arriveWindowSec*time.Second {
			return TripArrive
		}
	}
	if !rec.RealDeparture.IsZero() {
		d := rec.RealDeparture.Sub(now)
		if d >= -departWindowSec*time.Second && d <= 0 {
			return TripDepart
		}
		if d < -departWindowSec*time.Second {
			return TripIrrelevant
		}
	}
	if !rec.RealArrival.IsZero() && !rec.RealDeparture.IsZero() &&
		!now.Before(rec.RealArrival) && now.Before(rec.RealDeparture) {
		return TripBoard
	}
	return TripRunning
}

// invalidate promotes stale or out-of-window records to IRRELEVANT.
func (r *Reconciler) invalidate(rec *Record, q Query) {
	if rec.TripStatus == TripIrrelevant {
		return
	}
	ref := waitReference(rec)
	rec.WaitSeconds = int(ref.Sub(q.Now).Seconds())

	if q.LookAhead > 0 && ref.After(q.Now.Add(q.LookAhead)) {
		rec.TripStatus = TripIrrelevant
		return
	}

	switch rec.TripStatus {
	case TripSchedule, TripNoSchedule:
		if ref.Before(q.Now) {
			rec.TripStatus = TripIrrelevant
		}
	case TripRunning, TripArrive, TripBoard, TripDepart:
		if ref.Before(q.Now.Add(-realtimeStaleSec * time.Second)) {
			rec.TripStatus = TripIrrelevant
		}
	case TripCancel, TripSkip:
		sched := rec.SchedArrival
		if sched.IsZero() {
			sched = rec.SchedDeparture
		}
		if sched.IsZero() {
			sched = rec.SortTime
		}
		rec.WaitSeconds = int(sched.Sub(q.Now).Seconds())
		if sched.Before(q.Now.Add(-cancelledRetainSec * time.Second)) {
			rec.TripStatus = TripIrrelevant
		}
	}
}

// supplementalRecords appends added trips serving the queried stops, flagged
// SPLM.
func (r *Reconciler) supplementalRecords(q Query, stopIDs []string) []Record {
	rt := q.Realtime
	stopSet := map[string]bool{}
	for _, id := range stopIDs {
		stopSet[id] = true
	}

	var out []Record
	for _, tripID := range rt.AddedTripIDs() {
		entity, ok := rt.Entity(tripID)
		if !ok {
			continue
		}
		// An added trip with no route-id has no route bucket to appear
		// under.
		if entity.ID.RouteID == "" {
			continue
		}
		for i := range entity.StopTimeUpdates {
			update := &entity.StopTimeUpdates[i]
			if update.StopID == nil || !stopSet[*update.StopID] {
				continue
			}
			rec := Record{
				TripID:      tripID,
				RouteID:     entity.ID.RouteID,
				StopID:      *update.StopID,
				Sequence:    -1,
				ServiceDate: q.ServiceDate,
				Realtime:    true,
				TripStatus:  TripRunning,
				StopStatus:  StopSupplements,
				Headsign:    r.addedHeadsign(entity),
			}
			if update.StopSequence != nil {
				rec.Sequence = int(*update.StopSequence)
			}
			if update.Arrival != nil && update.Arrival.Time != nil {
				rec.RealArrival = *update.Arrival.Time
			}
			if update.Departure != nil && update.Departure.Time != nil {
				rec.RealDeparture = *update.Departure.Time
			}
			if rec.RealArrival.IsZero() && rec.RealDeparture.IsZero() {
				continue
			}
			rec.VehicleLabel = rt.VehicleLabel(tripID)
			r.invalidate(&rec, q)
			if rec.TripStatus == TripIrrelevant {
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}

// addedHeadsign resolves the display headsign of a supplemental trip from its
// last stop update.
func (r *Reconciler) addedHeadsign(entity *gtfs.Trip) string {
	if len(entity.StopTimeUpdates) == 0 {
		return ""
	}
	last := &entity.StopTimeUpdates[len(entity.StopTimeUpdates)-1]
	if last.StopID == nil {
		return ""
	}
	if stop := r.static.Stop(*last.StopID); stop != nil {
		return stop.Name
	}
	return *last.StopID
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
