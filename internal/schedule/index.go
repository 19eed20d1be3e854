package schedule

import (
	"log/slog"
	"sort"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/logging"
)

// buildIndexes derives every cross-link of the store from the parsed rows:
// trip stop-time ordering, interpolation, stop-trip visit lists, route trip
// lists, route stop tallies, and the parent-station mapping.
func (s *Store) buildIndexes(logger *slog.Logger) {
	for _, trip := range s.trips {
		s.normalizeTripStopTimes(trip, logger)
		interpolateTrip(trip)
	}

	s.crossLinkStops()
	s.buildRouteTripLists()
	s.buildParentStations()

	s.routeIDs = make([]string, 0, len(s.routes))
	for id := range s.routes {
		s.routeIDs = append(s.routeIDs, id)
	}
	sort.Strings(s.routeIDs)

	s.stopIDs = make([]string, 0, len(s.stops))
	for id := range s.stops {
		s.stopIDs = append(s.stopIDs, id)
	}
	sort.Strings(s.stopIDs)
}

// normalizeTripStopTimes sorts a trip's stop times by sequence and drops
// duplicate sequences, keeping the internal order strictly increasing.
func (s *Store) normalizeTripStopTimes(trip *Trip, logger *slog.Logger) {
	sort.SliceStable(trip.StopTimes, func(i, j int) bool {
		return trip.StopTimes[i].Sequence < trip.StopTimes[j].Sequence
	})

	deduped := trip.StopTimes[:0]
	lastSeq := -1
	for _, st := range trip.StopTimes {
		if st.Sequence == lastSeq {
			logging.LogOperation(logger, "dropping duplicate stop_sequence",
				slog.String("trip_id", trip.ID), slog.Int("stop_sequence", st.Sequence))
			continue
		}
		lastSeq = st.Sequence
		deduped = append(deduped, st)
	}
	trip.StopTimes = deduped
}

// SortTimeAt returns the first non-NoTime arrival or departure at stop-time
// index i or later within the trip, or NoTime when none remains.
func (t *Trip) SortTimeAt(i int) int {
	for ; i < len(t.StopTimes); i++ {
		if t.StopTimes[i].Arrival != gtfstime.NoTime {
			return t.StopTimes[i].Arrival
		}
		if t.StopTimes[i].Departure != gtfstime.NoTime {
			return t.StopTimes[i].Departure
		}
	}
	return gtfstime.NoTime
}

// FirstTime returns the trip's first departure, falling back to the first
// arrival, then to the first timed stop anywhere on the trip.
func (t *Trip) FirstTime() int {
	if len(t.StopTimes) == 0 {
		return gtfstime.NoTime
	}
	if dep := t.StopTimes[0].Departure; dep != gtfstime.NoTime {
		return dep
	}
	if arr := t.StopTimes[0].Arrival; arr != gtfstime.NoTime {
		return arr
	}
	return t.SortTimeAt(0)
}

// StopTimeIndexBySequence locates a stop-time by its GTFS sequence number.
// Returns -1 when the sequence is not on the trip.
func (t *Trip) StopTimeIndexBySequence(seq int) int {
	i := sort.Search(len(t.StopTimes), func(i int) bool {
		return t.StopTimes[i].Sequence >= seq
	})
	if i < len(t.StopTimes) && t.StopTimes[i].Sequence == seq {
		return i
	}
	return -1
}

// StopTimeIndexByStopID locates the first visit of a stop on the trip.
// Returns -1 when the trip never serves the stop.
func (t *Trip) StopTimeIndexByStopID(stopID string) int {
	for i := range t.StopTimes {
		if t.StopTimes[i].StopID == stopID {
			return i
		}
	}
	return -1
}

func (s *Store) crossLinkStops() {
	for _, trip := range s.trips {
		route := s.routes[trip.RouteID]
		for i := range trip.StopTimes {
			st := &trip.StopTimes[i]
			stop := s.stops[st.StopID]

			stop.RouteVisits[trip.RouteID] = append(stop.RouteVisits[trip.RouteID], StopVisit{
				TripID:        trip.ID,
				StopTimeIndex: i,
				SortTime:      trip.SortTimeAt(i),
			})
			route.StopService[st.StopID]++
		}
	}

	for _, stop := range s.stops {
		for routeID := range stop.RouteVisits {
			visits := stop.RouteVisits[routeID]
			sort.Slice(visits, func(i, j int) bool {
				if visits[i].SortTime != visits[j].SortTime {
					return visits[i].SortTime < visits[j].SortTime
				}
				return visits[i].TripID < visits[j].TripID
			})
		}
	}
}

func (s *Store) buildRouteTripLists() {
	for _, trip := range s.trips {
		route := s.routes[trip.RouteID]
		route.Trips = append(route.Trips, RouteTrip{TripID: trip.ID, FirstTime: trip.FirstTime()})
	}
	for _, route := range s.routes {
		sort.Slice(route.Trips, func(i, j int) bool {
			if route.Trips[i].FirstTime != route.Trips[j].FirstTime {
				return route.Trips[i].FirstTime < route.Trips[j].FirstTime
			}
			return route.Trips[i].TripID < route.Trips[j].TripID
		})
	}
}

func (s *Store) buildParentStations() {
	s.parents = map[string][]string{}
	for _, stop := range s.stops {
		if stop.ParentStation == "" {
			continue
		}
		s.parents[stop.ParentStation] = append(s.parents[stop.ParentStation], stop.ID)
	}
	for parent := range s.parents {
		sort.Strings(s.parents[parent])
	}
}

// interpolateTrip fills contiguous NoTime runs by linear interpolation in
// shape distance between the bracketing timed stops. Only trips with shape
// distance populated on every stop qualify; head and tail runs with no
// bracketing timed stop are left untouched.
func interpolateTrip(trip *Trip) {
	for i := range trip.StopTimes {
		if !trip.StopTimes[i].HasShapeDist {
			return
		}
	}

	sts := trip.StopTimes
	for i := 0; i < len(sts); i++ {
		if sts[i].Arrival != gtfstime.NoTime {
			continue
		}

		// Start of a NoTime run. Find the bracketing timed stops.
		prev := i - 1
		next := i
		for next < len(sts) && sts[next].Arrival == gtfstime.NoTime {
			next++
		}
		if prev < 0 || next >= len(sts) {
			i = next
			continue
		}

		startTime := sts[prev].Departure
		if startTime == gtfstime.NoTime {
			startTime = sts[prev].Arrival
		}
		endTime := sts[next].Arrival
		startDist := sts[prev].ShapeDist
		endDist := sts[next].ShapeDist

		for j := i; j < next; j++ {
			frac := 0.0
			if endDist > startDist {
				frac = (sts[j].ShapeDist - startDist) / (endDist - startDist)
			}
			estimated := startTime + int(frac*float64(endTime-startTime))
			sts[j].Arrival = estimated
			sts[j].Departure = estimated
			sts[j].Interpolated = true
		}
		i = next
	}
}
