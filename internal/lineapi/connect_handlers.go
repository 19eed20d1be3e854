package lineapi

import (
	"strconv"
	"strings"
	"time"

	"tripline.opentransit.org/internal/models"
	"tripline.opentransit.org/internal/reconcile"
)

// handleConnections answers the connection-search verbs. The schedule-only
// form drops the real-time snapshot; its sibling reconciles with it.
func (api *LineAPI) handleConnections(req *request) response {
	minutes, rest, ok := splitConnectArgs(req.args)
	if !ok {
		return api.fail(req, models.ErrConnectArgCount)
	}
	legs, code := api.parseLegs(rest, false)
	if code != models.ErrNone {
		return api.fail(req, code)
	}

	journeys := api.Reconciler.FindConnections(api.connectQuery(req, minutes), legs)
	return api.connectionsResponse(req, minutes, "", journeys)
}

// handleOnwardConnections seeds the search from a trip the rider is already
// aboard; the first leg names the stop where they will alight.
func (api *LineAPI) handleOnwardConnections(req *request) response {
	minutes, rest, ok := splitConnectArgs(req.args)
	if !ok {
		return api.fail(req, models.ErrConnectArgCount)
	}
	tripID := rest[0]
	if api.Static.Trip(tripID) == nil {
		return api.fail(req, models.ErrConnectTripUnknown)
	}
	legs, code := api.parseLegs(rest, true)
	if code != models.ErrNone {
		return api.fail(req, code)
	}

	journeys, found := api.Reconciler.FindOnwardConnections(api.connectQuery(req, minutes), tripID, legs)
	if !found {
		return api.fail(req, models.ErrConnectTripUnknown)
	}
	return api.connectionsResponse(req, minutes, tripID, journeys)
}

// splitConnectArgs peels the leading minutes argument and checks the leg
// shape: two tokens for the first leg, three for every further one.
func splitConnectArgs(args []string) (int, []string, bool) {
	if len(args) < 3 {
		return 0, nil, false
	}
	minutes, err := strconv.Atoi(args[0])
	if err != nil || minutes < 0 {
		return 0, nil, false
	}
	rest := args[1:]
	if len(rest) != 2 && (len(rest)-2)%3 != 0 {
		return 0, nil, false
	}
	return minutes, rest, true
}

// parseLegs turns the token sequence into leg specs. With tripSeeded the
// first token is a trip-id and only the alighting stop is validated.
func (api *LineAPI) parseLegs(rest []string, tripSeeded bool) ([]reconcile.LegSpec, int) {
	first := reconcile.LegSpec{DestStops: splitStops(rest[1])}
	if !tripSeeded {
		first.OriginStops = splitStops(rest[0])
		if !api.stopsKnown(first.OriginStops) {
			return nil, models.ErrConnectOriginUnknown
		}
	}
	if !api.stopsKnown(first.DestStops) {
		return nil, models.ErrConnectDestinationUnknown
	}

	legs := []reconcile.LegSpec{first}
	for i := 2; i < len(rest); i += 3 {
		minT, maxT, code := parseTransferWindow(rest[i])
		if code != models.ErrNone {
			return nil, code
		}
		leg := reconcile.LegSpec{
			OriginStops: splitStops(rest[i+1]),
			DestStops:   splitStops(rest[i+2]),
			MinTransfer: minT,
			MaxTransfer: maxT,
		}
		if !api.stopsKnown(leg.OriginStops) {
			return nil, models.ErrConnectOriginUnknown
		}
		if !api.stopsKnown(leg.DestStops) {
			return nil, models.ErrConnectDestinationUnknown
		}
		legs = append(legs, leg)
	}
	return legs, models.ErrNone
}

// parseTransferWindow parses "m" or "m-M" in minutes. A missing upper bound
// leaves the window open above.
func parseTransferWindow(token string) (time.Duration, time.Duration, int) {
	lo, hi, bounded := strings.Cut(token, "-")

	minMinutes, err := strconv.Atoi(lo)
	if err != nil || minMinutes < 0 {
		return 0, 0, models.ErrConnectBadWindow
	}
	if !bounded {
		return time.Duration(minMinutes) * time.Minute, 0, models.ErrNone
	}

	maxMinutes, err := strconv.Atoi(hi)
	if err != nil || maxMinutes < 0 {
		return 0, 0, models.ErrConnectBadWindow
	}
	if maxMinutes < minMinutes {
		return 0, 0, models.ErrConnectWindowOrder
	}
	return time.Duration(minMinutes) * time.Minute, time.Duration(maxMinutes) * time.Minute, models.ErrNone
}

func (api *LineAPI) connectQuery(req *request, minutes int) reconcile.Query {
	q := reconcile.Query{
		ServiceDate: req.serviceDate,
		Now:         req.now,
		LookAhead:   time.Duration(minutes) * time.Minute,
	}
	if strings.HasSuffix(req.verb, "R") {
		q.Realtime = req.rt
	}
	return q
}

func (api *LineAPI) connectionsResponse(req *request, minutes int, currentTrip string, journeys []reconcile.Journey) response {
	resp := &models.ConnectionsResponse{
		Header:      api.header(req),
		Minutes:     minutes,
		CurrentTrip: currentTrip,
	}
	for i := range journeys {
		resp.Journeys = append(resp.Journeys, models.NewJourneyInfo(&journeys[i], api.Config.Clock12hFormat))
	}
	return resp
}
