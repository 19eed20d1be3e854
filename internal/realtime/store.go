// Package realtime holds the parsed GTFS-realtime trip updates, classified
// into added/active/cancelled/duplicate/orphan sets, plus the double-buffered
// publication scheme and the periodic refresher that feeds it.
package realtime

import (
	"sort"
	"time"

	gtfs "github.com/OneBusAway/go-gtfs"
	gtfsrt "github.com/OneBusAway/go-gtfs/proto"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/schedule"
)

// DateMatching selects how a trip update's start_date is compared when
// deciding whether an update applies to a service date.
type DateMatching int

const (
	// MatchServiceDate compares against the service date; after-midnight
	// trips keep the previous day's date. The default.
	MatchServiceDate DateMatching = iota
	// MatchActualDate compares against the civil date the trip began.
	MatchActualDate
	// MatchNone ignores start_date entirely.
	MatchNone
)

// Options tune how real-time updates are matched against the schedule.
type Options struct {
	DateMatching DateMatching
	// LoosenSequenceMatch matches stop updates by stop-id even when stop
	// sequences are present, for feeds that publish incorrect sequences.
	LoosenSequenceMatch bool
}

// TripSequence names one (trip, stop-sequence) pair, used by the skipped-stop
// index.
type TripSequence struct {
	TripID       string
	StopSequence int
}

// Prediction is a real-time arrival/departure pair for one stop visit.
// Absent components have their Has flag false.
type Prediction struct {
	Arrival      time.Time
	Departure    time.Time
	HasArrival   bool
	HasDeparture bool
}

// Store is one immutable parse of the real-time feed. A Store is built in the
// inactive buffer slot and published atomically; readers never see it half
// built.
type Store struct {
	static *schedule.Store
	opts   Options

	entities []gtfs.Trip

	added     map[string]int // trip-id -> entity index, first wins
	active    map[string]int
	cancelled map[string]int
	// duplicates records entity indexes of repeated trip-ids; the original
	// placement is kept.
	duplicates map[string][]int

	// skippedStops maps stop-id to the (trip, sequence) pairs marked
	// SKIPPED at that stop.
	skippedStops map[string][]TripSequence

	// mismatched maps route-id to active trips whose real-time stop
	// sequences or stop-ids are absent from the static trip definition.
	mismatched map[string][]string

	// orphans are trips with neither an explicit route-id nor a resolvable
	// static trip.
	orphans []string

	// FeedTimestamp is the header timestamp of the protobuf feed.
	FeedTimestamp time.Time
	// FetchedAt is when the refresher finished building this store.
	FetchedAt time.Time
	// DownloadMillis and BuildMillis time the refresh that produced this
	// store.
	DownloadMillis int64
	BuildMillis    int64
}

// NewStore classifies a parsed real-time feed against the static schedule.
func NewStore(feed *gtfs.Realtime, static *schedule.Store, opts Options) *Store {
	s := &Store{
		static:        static,
		opts:          opts,
		entities:      feed.Trips,
		added:         map[string]int{},
		active:        map[string]int{},
		cancelled:     map[string]int{},
		duplicates:    map[string][]int{},
		skippedStops:  map[string][]TripSequence{},
		mismatched:    map[string][]string{},
		FeedTimestamp: feed.CreatedAt,
	}

	for i := range s.entities {
		s.classify(i)
	}
	return s
}

func (s *Store) classify(i int) {
	entity := &s.entities[i]
	tripID := entity.ID.ID

	if s.seen(tripID) {
		s.duplicates[tripID] = append(s.duplicates[tripID], i)
		return
	}

	switch entity.ID.ScheduleRelationship {
	case gtfsrt.TripDescriptor_ADDED:
		s.added[tripID] = i
	case gtfsrt.TripDescriptor_CANCELED:
		s.cancelled[tripID] = i
	default:
		s.active[tripID] = i
		s.indexActive(i)
	}

	if entity.ID.RouteID == "" && s.static.Trip(tripID) == nil {
		s.orphans = append(s.orphans, tripID)
	}
}

func (s *Store) seen(tripID string) bool {
	if _, ok := s.added[tripID]; ok {
		return true
	}
	if _, ok := s.active[tripID]; ok {
		return true
	}
	_, ok := s.cancelled[tripID]
	return ok
}

// indexActive records skipped stops and schedule mismatches for one active
// entity.
func (s *Store) indexActive(i int) {
	entity := &s.entities[i]
	tripID := entity.ID.ID
	static := s.static.Trip(tripID)

	mismatch := false
	for j := range entity.StopTimeUpdates {
		update := &entity.StopTimeUpdates[j]

		if static != nil {
			if update.StopSequence != nil && static.StopTimeIndexBySequence(int(*update.StopSequence)) < 0 {
				mismatch = true
			}
			if update.StopID != nil && static.StopTimeIndexByStopID(*update.StopID) < 0 {
				mismatch = true
			}
		}

		if update.ScheduleRelationship != gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED {
			continue
		}
		stopID, seq := s.resolveUpdateStop(static, update)
		if stopID == "" {
			continue
		}
		s.skippedStops[stopID] = append(s.skippedStops[stopID], TripSequence{TripID: tripID, StopSequence: seq})
	}

	if mismatch {
		routeID := entity.ID.RouteID
		if routeID == "" && static != nil {
			routeID = static.RouteID
		}
		s.mismatched[routeID] = append(s.mismatched[routeID], tripID)
	}
}

// resolveUpdateStop fills in a stop-id (and sequence) for a stop update using
// the static trip when the feed omits one of them.
func (s *Store) resolveUpdateStop(static *schedule.Trip, update *gtfs.StopTimeUpdate) (string, int) {
	stopID := ""
	seq := -1
	if update.StopID != nil {
		stopID = *update.StopID
	}
	if update.StopSequence != nil {
		seq = int(*update.StopSequence)
	}

	if static == nil {
		return stopID, seq
	}
	if stopID == "" && seq >= 0 {
		if idx := static.StopTimeIndexBySequence(seq); idx >= 0 {
			stopID = static.StopTimes[idx].StopID
		}
	}
	if seq < 0 && stopID != "" {
		if idx := static.StopTimeIndexByStopID(stopID); idx >= 0 {
			seq = static.StopTimes[idx].Sequence
		}
	}
	return stopID, seq
}

// dateMatches applies the configured date-matching policy to one entity.
func (s *Store) dateMatches(entity *gtfs.Trip, serviceDate, actualDate time.Time) bool {
	if s.opts.DateMatching == MatchNone {
		return true
	}
	if !entity.ID.HasStartDate {
		return true
	}
	want := serviceDate
	if s.opts.DateMatching == MatchActualDate {
		want = actualDate
	}
	return gtfstime.SameDate(entity.ID.StartDate, want)
}

// Exists reports whether any real-time entity mentions the trip.
func (s *Store) Exists(tripID string) bool {
	return s.seen(tripID)
}

// IsCancelled reports whether the trip is cancelled for the given dates.
func (s *Store) IsCancelled(tripID string, serviceDate, actualDate time.Time) bool {
	i, ok := s.cancelled[tripID]
	if !ok {
		return false
	}
	return s.dateMatches(&s.entities[i], serviceDate, actualDate)
}

// IsScheduledRunning reports whether the trip has an active (scheduled)
// update applying to the given dates.
func (s *Store) IsScheduledRunning(tripID string, serviceDate, actualDate time.Time) bool {
	i, ok := s.active[tripID]
	if !ok {
		return false
	}
	return s.dateMatches(&s.entities[i], serviceDate, actualDate)
}

// IsAdded reports whether the trip exists only in the real-time feed.
func (s *Store) IsAdded(tripID string) bool {
	_, ok := s.added[tripID]
	return ok
}

// SkipsStop reports whether the trip's update marks this stop visit SKIPPED.
func (s *Store) SkipsStop(tripID, stopID string, seq int) bool {
	for _, ts := range s.skippedStops[stopID] {
		if ts.TripID != tripID {
			continue
		}
		if ts.StopSequence < 0 || seq < 0 || ts.StopSequence == seq {
			return true
		}
	}
	return false
}

// AlreadyPassed reports whether the feed indicates the vehicle is past the
// stop: the entity carries stop updates only for later sequences. A no-op
// when loosened sequence matching is active, where sequence numbers cannot be
// trusted; time-based invalidation covers that mode.
func (s *Store) AlreadyPassed(tripID string, seq int) bool {
	if s.opts.LoosenSequenceMatch {
		return false
	}
	i, ok := s.active[tripID]
	if !ok {
		return false
	}
	entity := &s.entities[i]
	if len(entity.StopTimeUpdates) == 0 {
		return false
	}
	minSeq := -1
	for j := range entity.StopTimeUpdates {
		update := &entity.StopTimeUpdates[j]
		if update.StopSequence == nil {
			return false
		}
		if minSeq < 0 || int(*update.StopSequence) < minSeq {
			minSeq = int(*update.StopSequence)
		}
	}
	return minSeq > seq
}

// matchUpdate finds the stop update applying to a (stop-id, sequence) visit.
// Sequence matching wins when sequences are present and trusted; otherwise
// stop-id matching applies.
func (s *Store) matchUpdate(entity *gtfs.Trip, stopID string, seq int) *gtfs.StopTimeUpdate {
	for j := range entity.StopTimeUpdates {
		update := &entity.StopTimeUpdates[j]
		if update.StopSequence != nil && !s.opts.LoosenSequenceMatch {
			if int(*update.StopSequence) == seq {
				return update
			}
			continue
		}
		if update.StopID != nil && *update.StopID == stopID {
			return update
		}
	}
	return nil
}

// StopActualTime produces the predicted arrival/departure for one stop visit
// of an active trip. A direct update for the visit is used as-is: POSIX times
// verbatim, delays applied to the scheduled instant. With no direct update,
// the latest delay declared at an earlier stop is propagated forward; POSIX
// times are never extrapolated. An arrival delay stands in for a missing
// departure delay at the same stop.
func (s *Store) StopActualTime(tripID, stopID string, seq int, serviceDate time.Time) Prediction {
	var p Prediction

	i, ok := s.active[tripID]
	if !ok {
		return p
	}
	entity := &s.entities[i]

	static := s.static.Trip(tripID)
	if static == nil {
		return p
	}
	idx := static.StopTimeIndexBySequence(seq)
	if idx < 0 {
		idx = static.StopTimeIndexByStopID(stopID)
	}
	if idx < 0 {
		return p
	}
	st := &static.StopTimes[idx]
	loc := s.static.Location()

	schedArr := time.Time{}
	schedDep := time.Time{}
	if st.Arrival != gtfstime.NoTime {
		schedArr = gtfstime.ToInstant(serviceDate, st.Arrival, loc)
	}
	if st.Departure != gtfstime.NoTime {
		schedDep = gtfstime.ToInstant(serviceDate, st.Departure, loc)
	}

	if update := s.matchUpdate(entity, stopID, seq); update != nil {
		arrDelay, arrTime, hasArr := eventParts(update.Arrival)
		depDelay, depTime, hasDep := eventParts(update.Departure)

		if hasArr {
			switch {
			case arrTime != nil:
				p.Arrival, p.HasArrival = *arrTime, true
			case !schedArr.IsZero():
				p.Arrival, p.HasArrival = schedArr.Add(arrDelay), true
			}
		}
		if hasDep {
			switch {
			case depTime != nil:
				p.Departure, p.HasDeparture = *depTime, true
			case !schedDep.IsZero():
				p.Departure, p.HasDeparture = schedDep.Add(depDelay), true
			}
		} else if hasArr && arrTime == nil && !schedDep.IsZero() {
			// Arrival delay carries over to the departure side.
			p.Departure, p.HasDeparture = schedDep.Add(arrDelay), true
		}
		if p.HasArrival || p.HasDeparture {
			return p
		}
	}

	// No usable direct update: propagate the latest delay declared at or
	// before this stop.
	delay, found := s.propagatedDelay(entity, static, seq)
	if !found {
		return p
	}
	if !schedArr.IsZero() {
		p.Arrival, p.HasArrival = schedArr.Add(delay), true
	}
	if !schedDep.IsZero() {
		p.Departure, p.HasDeparture = schedDep.Add(delay), true
	}
	return p
}

// propagatedDelay finds the newest explicit delay on the trip at a sequence
// at or before seq. Updates carrying only POSIX times contribute nothing.
func (s *Store) propagatedDelay(entity *gtfs.Trip, static *schedule.Trip, seq int) (time.Duration, bool) {
	type seqDelay struct {
		seq   int
		delay time.Duration
	}
	var candidates []seqDelay

	for j := range entity.StopTimeUpdates {
		update := &entity.StopTimeUpdates[j]
		upSeq := -1
		if update.StopSequence != nil && !s.opts.LoosenSequenceMatch {
			upSeq = int(*update.StopSequence)
		} else if update.StopID != nil {
			if idx := static.StopTimeIndexByStopID(*update.StopID); idx >= 0 {
				upSeq = static.StopTimes[idx].Sequence
			}
		}
		if upSeq < 0 || upSeq > seq {
			continue
		}

		depDelay, depTime, hasDep := eventParts(update.Departure)
		arrDelay, arrTime, hasArr := eventParts(update.Arrival)
		switch {
		case hasDep && depTime == nil:
			candidates = append(candidates, seqDelay{upSeq, depDelay})
		case hasArr && arrTime == nil:
			candidates = append(candidates, seqDelay{upSeq, arrDelay})
		}
	}

	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	return candidates[len(candidates)-1].delay, true
}

func eventParts(event *gtfs.StopTimeEvent) (time.Duration, *time.Time, bool) {
	if event == nil {
		return 0, nil, false
	}
	if event.Time != nil {
		return 0, event.Time, true
	}
	if event.Delay != nil {
		return *event.Delay, nil, true
	}
	return 0, nil, false
}

// FillStopTimes produces one prediction per static stop time of an active
// trip, applying the same matching and propagation rules as StopActualTime.
// The slice parallels the static trip's stop times; entries with both Has
// flags false had no usable real-time data.
func (s *Store) FillStopTimes(tripID string, serviceDate time.Time) []Prediction {
	static := s.static.Trip(tripID)
	if static == nil {
		return nil
	}
	out := make([]Prediction, len(static.StopTimes))
	if _, ok := s.active[tripID]; !ok {
		return out
	}
	for i := range static.StopTimes {
		st := &static.StopTimes[i]
		out[i] = s.StopActualTime(tripID, st.StopID, st.Sequence, serviceDate)
	}
	return out
}

// VehicleLabel returns the vehicle label attached to the trip's update, if
// any.
func (s *Store) VehicleLabel(tripID string) string {
	i, ok := s.entityIndex(tripID)
	if !ok {
		return ""
	}
	entity := &s.entities[i]
	if entity.Vehicle == nil || entity.Vehicle.ID == nil {
		return ""
	}
	return entity.Vehicle.ID.Label
}

func (s *Store) entityIndex(tripID string) (int, bool) {
	if i, ok := s.active[tripID]; ok {
		return i, true
	}
	if i, ok := s.added[tripID]; ok {
		return i, true
	}
	if i, ok := s.cancelled[tripID]; ok {
		return i, true
	}
	return 0, false
}

// Entity returns the raw parsed update for a trip.
func (s *Store) Entity(tripID string) (*gtfs.Trip, bool) {
	i, ok := s.entityIndex(tripID)
	if !ok {
		return nil, false
	}
	return &s.entities[i], true
}

// AddedTripIDs returns the sorted trip ids of supplemental trips.
func (s *Store) AddedTripIDs() []string { return sortedKeys(s.added) }

// ActiveTripIDs returns the sorted trip ids with scheduled updates.
func (s *Store) ActiveTripIDs() []string { return sortedKeys(s.active) }

// CancelledTripIDs returns the sorted trip ids of cancelled trips.
func (s *Store) CancelledTripIDs() []string { return sortedKeys(s.cancelled) }

// DuplicateTripIDs returns the sorted trip ids that appeared more than once.
func (s *Store) DuplicateTripIDs() []string { return sortedKeys(s.duplicates) }

// OrphanTripIDs returns trips carrying no usable route-id, in feed order.
func (s *Store) OrphanTripIDs() []string { return s.orphans }

// MismatchedTrips returns, per route, active trips whose updates reference
// sequences or stops absent from the static trip.
func (s *Store) MismatchedTrips() map[string][]string { return s.mismatched }

// SkippedAtStop returns the (trip, sequence) pairs skipped at a stop.
func (s *Store) SkippedAtStop(stopID string) []TripSequence { return s.skippedStops[stopID] }

// EntityCount is the number of trip updates in the feed.
func (s *Store) EntityCount() int { return len(s.entities) }

// RouteTally counts active real-time trips per resolved route-id.
func (s *Store) RouteTally() map[string]int {
	tally := map[string]int{}
	for tripID, i := range s.active {
		routeID := s.entities[i].ID.RouteID
		if routeID == "" {
			if static := s.static.Trip(tripID); static != nil {
				routeID = static.RouteID
			}
		}
		if routeID == "" {
			continue
		}
		tally[routeID]++
	}
	return tally
}

// ActiveTripsForRoute returns the sorted active trip ids resolving to the
// given route.
func (s *Store) ActiveTripsForRoute(routeID string) []string {
	var out []string
	for tripID, i := range s.active {
		id := s.entities[i].ID.RouteID
		if id == "" {
			if static := s.static.Trip(tripID); static != nil {
				id = static.RouteID
			}
		}
		if id == routeID {
			out = append(out, tripID)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
