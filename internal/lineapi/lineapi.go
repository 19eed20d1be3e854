// Package lineapi implements the verb dispatch of the line protocol: one
// three-letter verb per request, one JSON object per reply.
package lineapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tripline.opentransit.org/internal/app"
	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/logging"
	"tripline.opentransit.org/internal/models"
	"tripline.opentransit.org/internal/realtime"
)

// LineAPI answers parsed protocol lines against the application container.
type LineAPI struct {
	*app.Application

	logger *slog.Logger
	table  map[string]func(*request) response
}

// request carries one parsed protocol line plus the per-request snapshots.
type request struct {
	verb string
	args []string
	// now is agency-local.
	now time.Time
	// serviceDate is the operating-day label derived from now.
	serviceDate time.Time
	// rt is the request's real-time snapshot; nil when no side is active.
	rt *realtime.Store
}

// response is any payload struct embedding models.Header.
type response interface {
	SetProcTime(time.Duration)
	Code() int
}

func New(application *app.Application) *LineAPI {
	api := &LineAPI{
		Application: application,
		logger:      application.Logger.With(slog.String("component", "lineapi")),
	}
	api.table = map[string]func(*request) response{
		"SDS": api.handleServerStatus,
		"RTE": api.handleRoutes,
		"TRI": api.handleTripSchedule,
		"TSR": api.handleTripsForRoute,
		"TRD": api.handleTripsForRouteOnDay,
		"TSS": api.handleTripsForStop,
		"TSD": api.handleTripsForStopOnDay,
		"STA": api.handleStopStatus,
		"SSR": api.handleStopsForRoute,
		"SNT": api.handleStopsWithNoTrips,
		"NEX": api.handleNext,
		"NCF": api.handleNextCombined,
		"SBS": api.handleDirectService,
		"EES": api.handleConnections,
		"EER": api.handleConnections,
		"ETS": api.handleOnwardConnections,
		"ETR": api.handleOnwardConnections,
		"RDS": api.handleRefreshDiagnostics,
		"RPS": api.handleRealtimeSummary,
		"RTI": api.handleRealtimeTrips,
		"TRR": api.handleRouteRealtime,
	}
	return api
}

// Handle processes one protocol line and returns the serialized reply,
// without the trailing newline. It never panics: internal failures come back
// as error 2 envelopes.
func (api *LineAPI) Handle(line string) []byte {
	start := time.Now()
	now := api.Clock.Now().In(api.Static.Location())
	api.RequestEntered()

	verb, args := splitLine(line)
	resp := api.dispatch(verb, args, now)
	resp.SetProcTime(time.Since(start))

	if api.Metrics != nil {
		api.Metrics.RequestsTotal.WithLabelValues(verb, fmt.Sprintf("%d", resp.Code())).Inc()
		api.Metrics.RequestSeconds.Observe(time.Since(start).Seconds())
	}
	if api.Config.LogTransactions {
		logging.LogOperation(api.logger, "transaction",
			slog.String("verb", verb),
			slog.String("args", strings.Join(args, " ")),
			slog.Int("error", resp.Code()),
			slog.Duration("took", time.Since(start)))
	}

	b, err := json.Marshal(resp)
	if err != nil {
		logging.LogError(api.logger, "encoding response", err, slog.String("verb", verb))
		fallback := models.NewErrorResponse(verb, models.ErrInternal, now, api.Config.Clock12hFormat)
		b, _ = json.Marshal(fallback)
	}
	return b
}

func (api *LineAPI) dispatch(verb string, args []string, now time.Time) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogError(api.logger, "handler panic",
				fmt.Errorf("%v", r), slog.String("verb", verb))
			resp = api.errorResponse(verb, models.ErrInternal, now)
		}
	}()

	handler, ok := api.table[verb]
	if !ok {
		return api.errorResponse(verb, models.ErrUnknownVerb, now)
	}
	return handler(&request{
		verb:        verb,
		args:        args,
		now:         now,
		serviceDate: gtfstime.DateOnly(now),
		rt:          api.Snapshot(),
	})
}

func (api *LineAPI) errorResponse(verb string, code int, now time.Time) response {
	return models.NewErrorResponse(verb, code, now, api.Config.Clock12hFormat)
}

// fail builds the bare error envelope for a request.
func (api *LineAPI) fail(req *request, code int) response {
	return api.errorResponse(req.verb, code, req.now)
}

// header stamps the success envelope for a request.
func (api *LineAPI) header(req *request) models.Header {
	return models.NewHeader(req.verb, models.ErrNone, req.now, api.Config.Clock12hFormat)
}

func splitLine(line string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

// splitStops parses a multi-stop argument on the | separator.
func splitStops(arg string) []string {
	var out []string
	for _, id := range strings.Split(arg, "|") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// stopsKnown verifies every id resolves to a stop or parent station.
func (api *LineAPI) stopsKnown(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if api.Static.Stop(id) == nil && len(api.Static.Children(id)) == 0 {
			return false
		}
	}
	return true
}
