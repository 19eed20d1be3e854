// Package schedule holds the immutable in-memory index of the static GTFS
// bundle: routes, trips, stop times, stops, parent stations and calendars,
// plus every derived cross-link the reconciler needs. A Store never mutates
// after Load returns, so it is shared by reference across request workers
// with no locking.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

type Store struct {
	FeedInfo FeedInfo
	Agencies []Agency

	location *time.Location
	loadedAt time.Time

	routes    map[string]*Route
	trips     map[string]*Trip
	stops     map[string]*Stop
	calendars map[string]*Calendar
	// parents maps a parent-station id to its child stop ids.
	parents map[string][]string

	routeIDs []string // sorted
	stopIDs  []string // sorted
}

// Load reads the static bundle (zip file or directory) and builds the store.
// Malformed rows are logged and skipped; a missing required file or column
// aborts the load.
func Load(path string, logger *slog.Logger) (*Store, error) {
	files, err := readBundle(path)
	if err != nil {
		return nil, err
	}

	for _, name := range requiredFiles {
		if files[name] == nil {
			return nil, fmt.Errorf("static bundle is missing %s", name)
		}
	}
	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		return nil, fmt.Errorf("static bundle is missing both calendar.txt and calendar_dates.txt")
	}
	for name, data := range files {
		if _, known := requiredColumns[name]; !known {
			continue
		}
		if err := checkColumns(name, data); err != nil {
			return nil, err
		}
	}

	setCSVReader()

	agencies, err := parseAgencies(files["agency.txt"])
	if err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(agencies[0].Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading agency timezone %q: %w", agencies[0].Timezone, err)
	}

	store := &Store{
		Agencies: agencies,
		location: location,
		loadedAt: time.Now(),
	}

	if files["feed_info.txt"] != nil {
		fi, err := parseFeedInfo(files["feed_info.txt"], location)
		if err != nil {
			return nil, err
		}
		store.FeedInfo = fi
	}

	if store.routes, err = parseRoutes(files["routes.txt"], logger); err != nil {
		return nil, err
	}
	if store.trips, err = parseTrips(files["trips.txt"], store.routes, logger); err != nil {
		return nil, err
	}
	if store.stops, err = parseStops(files["stops.txt"], logger); err != nil {
		return nil, err
	}
	if err = parseStopTimes(files["stop_times.txt"], store.trips, store.stops, logger); err != nil {
		return nil, err
	}

	store.calendars = map[string]*Calendar{}
	if files["calendar.txt"] != nil {
		if store.calendars, err = parseCalendars(files["calendar.txt"], location, logger); err != nil {
			return nil, err
		}
	}
	if files["calendar_dates.txt"] != nil {
		if err = parseCalendarDates(files["calendar_dates.txt"], store.calendars, logger); err != nil {
			return nil, err
		}
	}

	store.buildIndexes(logger)
	return store, nil
}

// Location is the agency time zone governing every time conversion.
func (s *Store) Location() *time.Location {
	return s.location
}

// LoadedAt is the instant the static bundle finished loading.
func (s *Store) LoadedAt() time.Time {
	return s.loadedAt
}

// Route returns the route record, or nil when unknown.
func (s *Store) Route(id string) *Route {
	return s.routes[id]
}

// Trip returns the trip record, or nil when unknown.
func (s *Store) Trip(id string) *Trip {
	return s.trips[id]
}

// Stop returns the stop record, or nil when unknown.
func (s *Store) Stop(id string) *Stop {
	return s.stops[id]
}

// Calendar returns the calendar for a service-id, or nil when unknown.
func (s *Store) Calendar(serviceID string) *Calendar {
	return s.calendars[serviceID]
}

// RouteIDs returns all route ids in sorted order.
func (s *Store) RouteIDs() []string {
	return s.routeIDs
}

// StopIDs returns all stop ids in sorted order.
func (s *Store) StopIDs() []string {
	return s.stopIDs
}

// Children returns the child stop ids of a parent station, or nil when the id
// is not a parent.
func (s *Store) Children(parentID string) []string {
	return s.parents[parentID]
}

// ExpandStop resolves a stop id into the stop ids it stands for: the id
// itself when it is a plain stop, or the ordered child platform ids when it
// names a parent station. Returns nil for an unknown id.
func (s *Store) ExpandStop(id string) []string {
	if children := s.parents[id]; len(children) > 0 {
		return children
	}
	if s.stops[id] != nil {
		return []string{id}
	}
	return nil
}

// Running evaluates the operational calendar predicate for a service on a
// date: an override wins; otherwise the date must be in range with the
// weekday bit set.
func (s *Store) Running(serviceID string, date time.Time) bool {
	cal := s.calendars[serviceID]
	if cal == nil {
		return false
	}
	if exception, ok := cal.Overrides[dateKey(date)]; ok {
		return exception == ExceptionAdded
	}
	if cal.StartDate.IsZero() || cal.EndDate.IsZero() {
		return false
	}
	if date.Before(cal.StartDate) || date.After(cal.EndDate) {
		return false
	}
	return cal.Weekdays[date.Weekday()]
}

// StopsWithNoTrips returns the sorted ids of stops no trip visits.
func (s *Store) StopsWithNoTrips() []string {
	var orphaned []string
	for id, stop := range s.stops {
		if len(stop.RouteVisits) == 0 && len(s.parents[id]) == 0 {
			orphaned = append(orphaned, id)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// Siblings returns the other child stops sharing this stop's parent station.
func (s *Store) Siblings(stopID string) []string {
	stop := s.stops[stopID]
	if stop == nil || stop.ParentStation == "" {
		return nil
	}
	var siblings []string
	for _, child := range s.parents[stop.ParentStation] {
		if child != stopID {
			siblings = append(siblings, child)
		}
	}
	return siblings
}

func dateKey(date time.Time) string {
	return date.Format("20060102")
}
