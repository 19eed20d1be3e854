package reconcile

import (
	"sort"
	"time"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/schedule"
)

// LegSpec is one leg of a connection query: board somewhere in OriginStops,
// alight somewhere in DestStops. The transfer window constrains boarding
// relative to the previous leg's arrival; it is ignored on the first leg.
type LegSpec struct {
	OriginStops []string
	DestStops   []string
	MinTransfer time.Duration
	// MaxTransfer of 0 leaves the window unbounded above.
	MaxTransfer time.Duration
}

// LegOption is one concrete trip serving a leg: the record at the boarding
// stop and the record at the alighting stop.
type LegOption struct {
	Board  Record
	Alight Record
}

// Journey is one candidate connection. A journey that could not be extended
// through every leg is kept at its index with Dead set, so callers can report
// partial results honestly.
type Journey struct {
	Legs []LegOption
	Dead bool
}

// FindConnections runs the multi-leg connection search. Each first-leg trip
// seeds a candidate; later legs extend candidates under their transfer
// windows. Results are ordered by first-leg wait ascending.
func (r *Reconciler) FindConnections(q Query, legs []LegSpec) []Journey {
	if len(legs) == 0 {
		return nil
	}

	seeds := r.legOptions(q, legs[0], true)
	journeys := make([]Journey, len(seeds))
	for i, opt := range seeds {
		journeys[i] = Journey{Legs: []LegOption{opt}}
	}

	for k := 1; k < len(legs); k++ {
		options := r.legOptions(q, legs[k], false)
		for i := range journeys {
			j := &journeys[i]
			if j.Dead {
				continue
			}
			prev := j.Legs[len(j.Legs)-1].Alight.ArrivalTime()
			next, ok := extend(options, prev, legs[k].MinTransfer, legs[k].MaxTransfer)
			if !ok {
				j.Dead = true
				continue
			}
			j.Legs = append(j.Legs, next)
		}
	}
	return journeys
}

// FindOnwardConnections seeds the search from an in-progress trip: the rider
// is already aboard tripID and will alight at the first leg's destination.
func (r *Reconciler) FindOnwardConnections(q Query, tripID string, legs []LegSpec) ([]Journey, bool) {
	if len(legs) == 0 {
		return nil, false
	}

	alight, ok := r.tripRecordAt(q, tripID, legs[0].DestStops)
	if !ok {
		return nil, false
	}
	journeys := []Journey{{Legs: []LegOption{{Board: Record{TripID: tripID, RouteID: alight.RouteID}, Alight: alight}}}}

	for k := 1; k < len(legs); k++ {
		options := r.legOptions(q, legs[k], false)
		j := &journeys[0]
		if j.Dead {
			break
		}
		prev := j.Legs[len(j.Legs)-1].Alight.ArrivalTime()
		next, ok := extend(options, prev, legs[k].MinTransfer, legs[k].MaxTransfer)
		if !ok {
			j.Dead = true
			break
		}
		j.Legs = append(j.Legs, next)
	}
	return journeys, true
}

// extend picks the earliest-departing option whose boarding time falls inside
// the transfer window after prev.
func extend(options []LegOption, prev time.Time, minTransfer, maxTransfer time.Duration) (LegOption, bool) {
	earliest := prev.Add(minTransfer)
	var latest time.Time
	if maxTransfer > 0 {
		latest = prev.Add(maxTransfer)
	}

	var best LegOption
	found := false
	for _, opt := range options {
		dep := opt.Board.DepartureTime()
		if dep.Before(earliest) {
			continue
		}
		if !latest.IsZero() && dep.After(latest) {
			continue
		}
		if !found || dep.Before(best.Board.DepartureTime()) {
			best = opt
			found = true
		}
	}
	return best, found
}

// legOptions intersects reconciler output at a leg's origin and destination
// stops on trip-id. Only the first leg honors the query's look-ahead bound.
func (r *Reconciler) legOptions(q Query, leg LegSpec, firstLeg bool) []LegOption {
	originQuery := q
	originQuery.StopIDs = leg.OriginStops
	if !firstLeg {
		originQuery.LookAhead = 0
	}
	destQuery := q
	destQuery.StopIDs = leg.DestStops
	destQuery.LookAhead = 0

	origins := r.UpcomingCombined(originQuery)
	dests := r.UpcomingCombined(destQuery)

	destByTrip := map[string][]Record{}
	for _, rec := range dests {
		destByTrip[rec.TripID] = append(destByTrip[rec.TripID], rec)
	}

	var out []LegOption
	for _, origin := range origins {
		if !boardable(&origin) {
			continue
		}
		for _, dest := range destByTrip[origin.TripID] {
			if !alightable(&dest) {
				continue
			}
			if dest.Sequence <= origin.Sequence {
				continue
			}
			if !gtfstime.SameDate(origin.ServiceDate, dest.ServiceDate) {
				continue
			}
			out = append(out, LegOption{Board: origin, Alight: dest})
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Board.WaitSeconds != out[j].Board.WaitSeconds {
			return out[i].Board.WaitSeconds < out[j].Board.WaitSeconds
		}
		return out[i].Board.TripID < out[j].Board.TripID
	})
	return out
}

func boardable(rec *Record) bool {
	if rec.TripStatus == TripSkip || rec.TripStatus == TripCancel {
		return false
	}
	return rec.PickupType != schedule.BoardingNone
}

func alightable(rec *Record) bool {
	if rec.TripStatus == TripSkip || rec.TripStatus == TripCancel {
		return false
	}
	return rec.DropOffType != schedule.BoardingNone
}

// tripRecordAt finds the record of one specific trip at any of the given
// stops, for seeding an onward search from an in-progress journey.
func (r *Reconciler) tripRecordAt(q Query, tripID string, stopIDs []string) (Record, bool) {
	query := q
	query.StopIDs = stopIDs
	query.LookAhead = 0

	for _, rec := range r.UpcomingCombined(query) {
		if rec.TripID != tripID {
			continue
		}
		if !alightable(&rec) {
			continue
		}
		return rec, true
	}
	return Record{}, false
}
