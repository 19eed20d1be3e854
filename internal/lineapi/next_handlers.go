package lineapi

import (
	"sort"
	"strconv"
	"time"

	"tripline.opentransit.org/internal/models"
	"tripline.opentransit.org/internal/reconcile"
)

// parseNextArgs validates the shared "minutes stop-ids" argument shape of NEX
// and NCF.
func (api *LineAPI) parseNextArgs(req *request) (int, []string, bool) {
	if len(req.args) != 2 {
		return 0, nil, false
	}
	minutes, err := strconv.Atoi(req.args[0])
	if err != nil || minutes < 0 {
		return 0, nil, false
	}
	stops := splitStops(req.args[1])
	if !api.stopsKnown(stops) {
		return 0, nil, false
	}
	return minutes, stops, true
}

func (api *LineAPI) nextQuery(req *request, minutes int, stops []string) reconcile.Query {
	return reconcile.Query{
		StopIDs:     stops,
		Realtime:    req.rt,
		ServiceDate: req.serviceDate,
		Now:         req.now,
		LookAhead:   time.Duration(minutes) * time.Minute,
	}
}

func (api *LineAPI) handleNext(req *request) response {
	minutes, stops, ok := api.parseNextArgs(req)
	if !ok {
		return api.fail(req, models.ErrNextStopNotFound)
	}

	byRoute := api.Reconciler.UpcomingByRoute(api.nextQuery(req, minutes, stops))

	routeIDs := make([]string, 0, len(byRoute))
	for routeID := range byRoute {
		routeIDs = append(routeIDs, routeID)
	}
	sort.Strings(routeIDs)

	resp := &models.NextResponse{
		Header:  api.header(req),
		Minutes: minutes,
		StopIDs: stops,
	}
	for _, routeID := range routeIDs {
		g := byRoute[routeID]
		nr := models.NextRoute{RouteID: routeID}
		if g.Route != nil {
			nr.RouteName = g.Route.Name()
		}
		for i := range g.Records {
			nr.Trips = append(nr.Trips, models.NewTripCall(&g.Records[i], api.Config.Clock12hFormat))
		}
		resp.Routes = append(resp.Routes, nr)
	}
	return resp
}

func (api *LineAPI) handleNextCombined(req *request) response {
	minutes, stops, ok := api.parseNextArgs(req)
	if !ok {
		return api.fail(req, models.ErrNextStopNotFound)
	}

	records := api.Reconciler.UpcomingCombined(api.nextQuery(req, minutes, stops))

	resp := &models.NextCombinedResponse{
		Header:  api.header(req),
		Minutes: minutes,
		StopIDs: stops,
	}
	for i := range records {
		resp.Trips = append(resp.Trips, models.NewTripCall(&records[i], api.Config.Clock12hFormat))
	}
	return resp
}
