package lineapi

import (
	"sort"
	"time"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/models"
	"tripline.opentransit.org/internal/schedule"
)

func (api *LineAPI) handleServerStatus(req *request) response {
	resp := &models.ServerStatusResponse{
		Header: api.header(req),
		Feed: models.FeedWindow{
			Publisher: api.Static.FeedInfo.PublisherName,
			Version:   api.Static.FeedInfo.Version,
			StartDate: models.FormatDate(api.Static.FeedInfo.StartDate),
			EndDate:   models.FormatDate(api.Static.FeedInfo.EndDate),
		},
		UptimeSec:     api.UptimeSeconds(),
		Threads:       api.Config.NumberThreads,
		ProcessedReqs: api.ProcessedRequests(),
	}
	for _, agency := range api.Static.Agencies {
		resp.Agencies = append(resp.Agencies, models.AgencyInfo{
			Name:     agency.Name,
			URL:      agency.URL,
			Timezone: agency.Timezone,
			Lang:     agency.Lang,
		})
	}
	return resp
}

func (api *LineAPI) handleRoutes(req *request) response {
	resp := &models.RoutesResponse{Header: api.header(req)}
	for _, routeID := range api.Static.RouteIDs() {
		resp.Routes = append(resp.Routes, models.NewRouteInfo(api.Static.Route(routeID)))
	}
	return resp
}

func (api *LineAPI) handleTripSchedule(req *request) response {
	if len(req.args) != 1 {
		return api.fail(req, models.ErrTripNotFound)
	}
	trip := api.Static.Trip(req.args[0])
	if trip == nil {
		return api.fail(req, models.ErrTripNotFound)
	}

	resp := &models.TripScheduleResponse{
		Header:    api.header(req),
		TripID:    trip.ID,
		RouteID:   trip.RouteID,
		ServiceID: trip.ServiceID,
		Headsign:  trip.Headsign,
		Stops:     api.tripStops(trip, req),
	}
	return resp
}

// tripStops renders a trip's stop list, with real-time columns filled when a
// snapshot covers the trip.
func (api *LineAPI) tripStops(trip *schedule.Trip, req *request) []models.TripStopInfo {
	var preds []struct {
		arr, dep time.Time
	}
	if req.rt != nil {
		for _, p := range req.rt.FillStopTimes(trip.ID, req.serviceDate) {
			entry := struct{ arr, dep time.Time }{}
			if p.HasArrival {
				entry.arr = p.Arrival
			}
			if p.HasDeparture {
				entry.dep = p.Departure
			}
			preds = append(preds, entry)
		}
	}

	stops := make([]models.TripStopInfo, 0, len(trip.StopTimes))
	for i := range trip.StopTimes {
		st := &trip.StopTimes[i]
		info := models.TripStopInfo{
			Sequence:     st.Sequence,
			StopID:       st.StopID,
			Arrival:      gtfstime.ToHHMMSS(st.Arrival),
			Departure:    gtfstime.ToHHMMSS(st.Departure),
			PickupType:   st.PickupType,
			DropOffType:  st.DropOffType,
			Interpolated: st.Interpolated,
		}
		if stop := api.Static.Stop(st.StopID); stop != nil {
			info.StopName = stop.Name
		}
		if i < len(preds) {
			info.PredArrival = models.FormatClock(preds[i].arr, api.Config.Clock12hFormat)
			info.PredDeparture = models.FormatClock(preds[i].dep, api.Config.Clock12hFormat)
		}
		stops = append(stops, info)
	}
	return stops
}

func (api *LineAPI) handleTripsForRoute(req *request) response {
	return api.routeTrips(req, "", time.Time{})
}

func (api *LineAPI) handleTripsForRouteOnDay(req *request) response {
	if len(req.args) != 2 {
		return api.fail(req, models.ErrRouteNotFound)
	}
	day, err := gtfstime.ParseDayToken(req.args[0], req.serviceDate, api.Static.Location())
	if err != nil {
		return api.fail(req, models.ErrBadDayToken)
	}
	return api.routeTrips(req, req.args[1], day)
}

func (api *LineAPI) routeTrips(req *request, routeID string, day time.Time) response {
	if routeID == "" {
		if len(req.args) != 1 {
			return api.fail(req, models.ErrRouteNotFound)
		}
		routeID = req.args[0]
	}
	route := api.Static.Route(routeID)
	if route == nil {
		return api.fail(req, models.ErrRouteNotFound)
	}

	resp := &models.RouteTripsResponse{
		Header:  api.header(req),
		RouteID: route.ID,
		Day:     models.FormatDate(day),
	}
	for _, rt := range route.Trips {
		trip := api.Static.Trip(rt.TripID)
		if trip == nil {
			continue
		}
		if !day.IsZero() && !api.Static.Running(trip.ServiceID, day) {
			continue
		}
		resp.Trips = append(resp.Trips, models.RouteTripInfo{
			TripID:    trip.ID,
			Headsign:  trip.Headsign,
			FirstTime: gtfstime.ToHHMMSS(rt.FirstTime),
		})
	}
	return resp
}

func (api *LineAPI) handleTripsForStop(req *request) response {
	return api.stopTrips(req, "", time.Time{})
}

func (api *LineAPI) handleTripsForStopOnDay(req *request) response {
	if len(req.args) != 2 {
		return api.fail(req, models.ErrStopNotFound)
	}
	day, err := gtfstime.ParseDayToken(req.args[0], req.serviceDate, api.Static.Location())
	if err != nil {
		return api.fail(req, models.ErrBadDayToken)
	}
	return api.stopTrips(req, req.args[1], day)
}

func (api *LineAPI) stopTrips(req *request, stopID string, day time.Time) response {
	if stopID == "" {
		if len(req.args) != 1 {
			return api.fail(req, models.ErrStopNotFound)
		}
		stopID = req.args[0]
	}
	stop := api.Static.Stop(stopID)
	if stop == nil {
		return api.fail(req, models.ErrStopNotFound)
	}

	resp := &models.StopTripsResponse{
		Header: api.header(req),
		StopID: stop.ID,
		Day:    models.FormatDate(day),
	}
	for _, routeID := range sortedRouteIDs(stop) {
		route := api.Static.Route(routeID)
		group := models.StopRouteTrips{RouteID: routeID}
		if route != nil {
			group.RouteName = route.Name()
		}
		for _, visit := range stop.RouteVisits[routeID] {
			trip := api.Static.Trip(visit.TripID)
			if trip == nil {
				continue
			}
			if !day.IsZero() && !api.Static.Running(trip.ServiceID, day) {
				continue
			}
			st := &trip.StopTimes[visit.StopTimeIndex]
			group.Trips = append(group.Trips, models.StopVisitInfo{
				TripID:    trip.ID,
				Headsign:  trip.Headsign,
				Arrival:   gtfstime.ToHHMMSS(st.Arrival),
				Departure: gtfstime.ToHHMMSS(st.Departure),
			})
		}
		if len(group.Trips) > 0 {
			resp.Routes = append(resp.Routes, group)
		}
	}
	return resp
}

func (api *LineAPI) handleStopStatus(req *request) response {
	if len(req.args) != 1 {
		return api.fail(req, models.ErrStationNotFound)
	}
	stop := api.Static.Stop(req.args[0])
	if stop == nil {
		return api.fail(req, models.ErrStationNotFound)
	}

	resp := &models.StopStatusResponse{
		Header:   api.header(req),
		Stop:     models.NewStopInfo(stop),
		Routes:   sortedRouteIDs(stop),
		Siblings: api.Static.Siblings(stop.ID),
		Children: api.Static.Children(stop.ID),
	}
	return resp
}

func (api *LineAPI) handleStopsForRoute(req *request) response {
	if len(req.args) != 1 {
		return api.fail(req, models.ErrRouteStopsNotFound)
	}
	route := api.Static.Route(req.args[0])
	if route == nil {
		return api.fail(req, models.ErrRouteStopsNotFound)
	}

	stopIDs := make([]string, 0, len(route.StopService))
	for stopID := range route.StopService {
		stopIDs = append(stopIDs, stopID)
	}
	sort.Strings(stopIDs)

	resp := &models.RouteStopsResponse{Header: api.header(req), RouteID: route.ID}
	for _, stopID := range stopIDs {
		stop := api.Static.Stop(stopID)
		if stop == nil {
			continue
		}
		resp.Stops = append(resp.Stops, models.RouteStopInfo{
			StopInfo:  models.NewStopInfo(stop),
			TripCount: route.StopService[stopID],
		})
	}
	return resp
}

func (api *LineAPI) handleStopsWithNoTrips(req *request) response {
	return &models.OrphanStopsResponse{
		Header:  api.header(req),
		StopIDs: api.Static.StopsWithNoTrips(),
	}
}

func (api *LineAPI) handleDirectService(req *request) response {
	if len(req.args) != 3 {
		return api.fail(req, models.ErrDirectArgCount)
	}
	day, err := gtfstime.ParseDayToken(req.args[0], req.serviceDate, api.Static.Location())
	if err != nil {
		return api.fail(req, models.ErrBadDayToken)
	}
	origin := api.Static.ExpandStop(req.args[1])
	if origin == nil {
		return api.fail(req, models.ErrDirectOriginUnknown)
	}
	destination := api.Static.ExpandStop(req.args[2])
	if destination == nil {
		return api.fail(req, models.ErrDirectDestinationUnknown)
	}

	resp := &models.DirectServiceResponse{
		Header:      api.header(req),
		Day:         models.FormatDate(day),
		Origin:      req.args[1],
		Destination: req.args[2],
	}
	resp.Trips = api.directTrips(origin, destination, day)
	return resp
}

// directTrips finds single-seat rides from any origin stop to any destination
// stop on the given day, honoring boarding restrictions and stop order.
func (api *LineAPI) directTrips(origin, destination []string, day time.Time) []models.DirectTrip {
	originSet := map[string]bool{}
	for _, id := range origin {
		originSet[id] = true
	}
	destSet := map[string]bool{}
	for _, id := range destination {
		destSet[id] = true
	}

	var out []models.DirectTrip
	for _, routeID := range api.Static.RouteIDs() {
		route := api.Static.Route(routeID)
		for _, rt := range route.Trips {
			trip := api.Static.Trip(rt.TripID)
			if trip == nil || !api.Static.Running(trip.ServiceID, day) {
				continue
			}
			if dt, ok := directRide(trip, originSet, destSet); ok {
				out = append(out, dt)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Departure != out[j].Departure {
			return out[i].Departure < out[j].Departure
		}
		return out[i].TripID < out[j].TripID
	})
	return out
}

func directRide(trip *schedule.Trip, originSet, destSet map[string]bool) (models.DirectTrip, bool) {
	boardIdx := -1
	for i := range trip.StopTimes {
		st := &trip.StopTimes[i]
		if boardIdx < 0 {
			if originSet[st.StopID] && st.PickupType != schedule.BoardingNone {
				boardIdx = i
			}
			continue
		}
		if destSet[st.StopID] && st.DropOffType != schedule.BoardingNone {
			return models.DirectTrip{
				TripID:    trip.ID,
				RouteID:   trip.RouteID,
				Headsign:  trip.Headsign,
				Departure: gtfstime.ToHHMMSS(trip.StopTimes[boardIdx].Departure),
				Arrival:   gtfstime.ToHHMMSS(st.Arrival),
			}, true
		}
	}
	return models.DirectTrip{}, false
}

func sortedRouteIDs(stop *schedule.Stop) []string {
	ids := make([]string, 0, len(stop.RouteVisits))
	for routeID := range stop.RouteVisits {
		ids = append(ids, routeID)
	}
	sort.Strings(ids)
	return ids
}
