package lineapi

import (
	"sort"

	"tripline.opentransit.org/internal/models"
)

func (api *LineAPI) handleRefreshDiagnostics(req *request) response {
	if api.Refresher == nil {
		return api.fail(req, models.ErrRealtimeUnavailable)
	}
	d := api.Refresher.Diagnostics()

	resp := &models.RefreshDiagnosticsResponse{
		Header:       api.header(req),
		FeedLocation: d.FeedLocation,
		LocalFile:    d.IsLocalFile,
		ActiveSide:   d.ActiveSide,
		IntervalSec:  int(d.Interval.Seconds()),
		Refreshes:    d.Refreshes,
		Failures:     d.Failures,
		LastError:    d.LastError,
	}
	if !d.LastAttempt.IsZero() {
		resp.LastAttempt = models.FormatMessageTime(d.LastAttempt.In(api.Static.Location()), api.Config.Clock12hFormat)
	}
	return resp
}

func (api *LineAPI) handleRealtimeSummary(req *request) response {
	if req.rt == nil {
		return api.fail(req, models.ErrRealtimeUnavailable)
	}

	tally := req.rt.RouteTally()
	routeIDs := make([]string, 0, len(tally))
	for routeID := range tally {
		routeIDs = append(routeIDs, routeID)
	}
	sort.Strings(routeIDs)

	resp := &models.RealtimeSummaryResponse{
		Header:     api.header(req),
		Duplicates: req.rt.DuplicateTripIDs(),
		Orphans:    req.rt.OrphanTripIDs(),
		Mismatched: req.rt.MismatchedTrips(),
	}
	for _, routeID := range routeIDs {
		resp.Routes = append(resp.Routes, models.RouteTallyInfo{RouteID: routeID, Count: tally[routeID]})
	}
	return resp
}

// handleRealtimeTrips lists the classified trip ids of the active snapshot.
// With no active side it answers empty lists rather than an error.
func (api *LineAPI) handleRealtimeTrips(req *request) response {
	resp := &models.RealtimeTripsResponse{
		Header:    api.header(req),
		Added:     []string{},
		Active:    []string{},
		Cancelled: []string{},
	}
	if req.rt == nil {
		return resp
	}

	if !req.rt.FeedTimestamp.IsZero() {
		resp.FeedTime = models.FormatMessageTime(req.rt.FeedTimestamp.In(api.Static.Location()), api.Config.Clock12hFormat)
	}
	resp.Added = req.rt.AddedTripIDs()
	resp.Active = req.rt.ActiveTripIDs()
	resp.Cancelled = req.rt.CancelledTripIDs()
	return resp
}

func (api *LineAPI) handleRouteRealtime(req *request) response {
	if req.rt == nil {
		return api.fail(req, models.ErrRealtimeUnavailable)
	}
	if req.rt.FeedTimestamp.IsZero() {
		return api.fail(req, models.ErrRealtimeEmptyFeed)
	}

	var routeIDs []string
	for _, arg := range req.args {
		routeIDs = append(routeIDs, splitStops(arg)...)
	}

	resp := &models.RouteRealtimeResponse{
		Header:   api.header(req),
		FeedTime: models.FormatMessageTime(req.rt.FeedTimestamp.In(api.Static.Location()), api.Config.Clock12hFormat),
	}
	matched := 0
	for _, routeID := range routeIDs {
		tripIDs := req.rt.ActiveTripsForRoute(routeID)
		if len(tripIDs) == 0 {
			continue
		}
		matched += len(tripIDs)

		group := models.RouteRealtime{RouteID: routeID}
		for _, tripID := range tripIDs {
			trip := api.Static.Trip(tripID)
			if trip == nil {
				continue
			}
			group.Trips = append(group.Trips, models.RouteRealtimeTrip{
				TripID:  tripID,
				Vehicle: req.rt.VehicleLabel(tripID),
				Stops:   api.tripStops(trip, req),
			})
		}
		resp.Routes = append(resp.Routes, group)
	}
	if matched == 0 {
		return api.fail(req, models.ErrRealtimeRouteUnknown)
	}
	return resp
}
