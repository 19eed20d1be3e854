package schedule

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"tripline.opentransit.org/internal/gtfstime"
	"tripline.opentransit.org/internal/logging"
)

// The static bundle files. Column order is discovered per file from the
// header row; only the named columns are read.
var requiredFiles = []string{"agency.txt", "routes.txt", "trips.txt", "stops.txt", "stop_times.txt"}

var requiredColumns = map[string][]string{
	"agency.txt":         {"agency_name", "agency_timezone"},
	"routes.txt":         {"route_id"},
	"trips.txt":          {"trip_id", "route_id", "service_id"},
	"stops.txt":          {"stop_id"},
	"stop_times.txt":     {"trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time"},
	"calendar.txt":       {"service_id", "start_date", "end_date"},
	"calendar_dates.txt": {"service_id", "date", "exception_type"},
	"feed_info.txt":      {"feed_publisher_name"},
}

type feedInfoCSV struct {
	PublisherName string `csv:"feed_publisher_name"`
	PublisherURL  string `csv:"feed_publisher_url"`
	Lang          string `csv:"feed_lang"`
	StartDate     string `csv:"feed_start_date"`
	EndDate       string `csv:"feed_end_date"`
	Version       string `csv:"feed_version"`
}

type agencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
	Lang     string `csv:"agency_lang"`
	Phone    string `csv:"agency_phone"`
}

type routeCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Desc      string `csv:"route_desc"`
	Type      string `csv:"route_type"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
}

type tripCSV struct {
	ID        string `csv:"trip_id"`
	RouteID   string `csv:"route_id"`
	ServiceID string `csv:"service_id"`
	Headsign  string `csv:"trip_headsign"`
	ShortName string `csv:"trip_short_name"`
}

type stopCSV struct {
	ID            string `csv:"stop_id"`
	Name          string `csv:"stop_name"`
	Desc          string `csv:"stop_desc"`
	Lat           string `csv:"stop_lat"`
	Lon           string `csv:"stop_lon"`
	ParentStation string `csv:"parent_station"`
}

type stopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  string `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	PickupType    string `csv:"pickup_type"`
	DropOffType   string `csv:"drop_off_type"`
	Headsign      string `csv:"stop_headsign"`
	ShapeDist     string `csv:"shape_dist_traveled"`
}

type calendarCSV struct {
	ServiceID string `csv:"service_id"`
	Monday    string `csv:"monday"`
	Tuesday   string `csv:"tuesday"`
	Wednesday string `csv:"wednesday"`
	Thursday  string `csv:"thursday"`
	Friday    string `csv:"friday"`
	Saturday  string `csv:"saturday"`
	Sunday    string `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

type calendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

// readBundle loads the static bundle from a .zip file or a directory of .txt
// files into memory, keyed by base file name.
func readBundle(path string) (map[string][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("statting bundle %s: %w", path, err)
	}

	files := map[string][]byte{}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading bundle directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
				continue
			}
			b, err := os.ReadFile(filepath.Join(path, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
			}
			files[entry.Name()] = b
		}
		return files, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping bundle: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// Some agencies pack the files inside a subdirectory.
		name := filepath.Base(f.Name)
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		files[name] = b
	}
	return files, nil
}

// checkColumns verifies that the header row of a file names every required
// column. A missing required column aborts the load.
func checkColumns(name string, data []byte) error {
	r := csv.NewReader(bom.NewReader(bytes.NewReader(data)))
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("%s: reading header: %w", name, err)
	}
	present := map[string]bool{}
	for _, col := range header {
		present[strings.TrimSpace(col)] = true
	}
	for _, col := range requiredColumns[name] {
		if !present[col] {
			return fmt.Errorf("%s: missing required column %q", name, col)
		}
	}
	return nil
}

// setCSVReader installs the lazy, BOM-stripping CSV reader. LazyCSVReader
// survives sloppy quoting seen in real-world feeds.
func setCSVReader() {
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

func parseFeedInfo(data []byte, loc *time.Location) (FeedInfo, error) {
	var rows []feedInfoCSV
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return FeedInfo{}, fmt.Errorf("unmarshaling feed_info.txt: %w", err)
	}
	if len(rows) == 0 {
		return FeedInfo{}, fmt.Errorf("feed_info.txt has no rows")
	}

	fi := FeedInfo{
		PublisherName: rows[0].PublisherName,
		PublisherURL:  rows[0].PublisherURL,
		Lang:          rows[0].Lang,
		Version:       rows[0].Version,
	}
	if rows[0].StartDate != "" {
		if d, err := gtfstime.ParseServiceDate(rows[0].StartDate, loc); err == nil {
			fi.StartDate = d
		}
	}
	if rows[0].EndDate != "" {
		if d, err := gtfstime.ParseServiceDate(rows[0].EndDate, loc); err == nil {
			fi.EndDate = d
		}
	}
	return fi, nil
}

func parseAgencies(data []byte) ([]Agency, error) {
	var rows []agencyCSV
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshaling agency.txt: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("agency.txt has no rows")
	}

	agencies := make([]Agency, 0, len(rows))
	for _, row := range rows {
		agencies = append(agencies, Agency{
			ID:       row.ID,
			Name:     row.Name,
			URL:      row.URL,
			Timezone: row.Timezone,
			Lang:     row.Lang,
			Phone:    row.Phone,
		})
	}
	return agencies, nil
}

func parseRoutes(data []byte, logger *slog.Logger) (map[string]*Route, error) {
	routes := map[string]*Route{}
	row := -1
	err := gocsv.UnmarshalBytesToCallback(data, func(r *routeCSV) {
		row++
		if r.ID == "" {
			logging.LogOperation(logger, "skipping malformed routes.txt row",
				slog.Int("row", row), slog.String("reason", "empty route_id"))
			return
		}
		routeType := 0
		if r.Type != "" {
			n, err := strconv.Atoi(r.Type)
			if err != nil {
				logging.LogOperation(logger, "skipping malformed routes.txt row",
					slog.Int("row", row), slog.String("reason", "bad route_type"))
				return
			}
			routeType = n
		}
		routes[r.ID] = &Route{
			ID:          r.ID,
			AgencyID:    r.AgencyID,
			ShortName:   r.ShortName,
			LongName:    r.LongName,
			Desc:        r.Desc,
			Type:        routeType,
			Color:       r.Color,
			TextColor:   r.TextColor,
			StopService: map[string]int{},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling routes.txt: %w", err)
	}
	return routes, nil
}

func parseTrips(data []byte, routes map[string]*Route, logger *slog.Logger) (map[string]*Trip, error) {
	trips := map[string]*Trip{}
	row := -1
	err := gocsv.UnmarshalBytesToCallback(data, func(t *tripCSV) {
		row++
		if t.ID == "" || t.RouteID == "" || t.ServiceID == "" {
			logging.LogOperation(logger, "skipping malformed trips.txt row",
				slog.Int("row", row), slog.String("reason", "missing id"))
			return
		}
		if _, ok := routes[t.RouteID]; !ok {
			logging.LogOperation(logger, "skipping malformed trips.txt row",
				slog.Int("row", row), slog.String("reason", "unknown route_id"),
				slog.String("route_id", t.RouteID))
			return
		}
		trips[t.ID] = &Trip{
			ID:        t.ID,
			RouteID:   t.RouteID,
			ServiceID: t.ServiceID,
			Headsign:  t.Headsign,
			ShortName: t.ShortName,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling trips.txt: %w", err)
	}
	return trips, nil
}

func parseStops(data []byte, logger *slog.Logger) (map[string]*Stop, error) {
	stops := map[string]*Stop{}
	row := -1
	err := gocsv.UnmarshalBytesToCallback(data, func(s *stopCSV) {
		row++
		if s.ID == "" {
			logging.LogOperation(logger, "skipping malformed stops.txt row",
				slog.Int("row", row), slog.String("reason", "empty stop_id"))
			return
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(s.Lat), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(s.Lon), 64)
		if s.Lat == "" || s.Lon == "" {
			lat, lon = 0, 0
		} else if errLat != nil || errLon != nil {
			logging.LogOperation(logger, "skipping malformed stops.txt row",
				slog.Int("row", row), slog.String("reason", "bad coordinates"),
				slog.String("stop_id", s.ID))
			return
		}
		stops[s.ID] = &Stop{
			ID:            s.ID,
			Name:          s.Name,
			Desc:          s.Desc,
			Lat:           lat,
			Lon:           lon,
			ParentStation: s.ParentStation,
			RouteVisits:   map[string][]StopVisit{},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling stops.txt: %w", err)
	}
	return stops, nil
}

func parseStopTimes(data []byte, trips map[string]*Trip, stops map[string]*Stop, logger *slog.Logger) error {
	row := -1
	skip := func(reason string, attrs ...slog.Attr) {
		all := append([]slog.Attr{slog.Int("row", row), slog.String("reason", reason)}, attrs...)
		logging.LogOperation(logger, "skipping malformed stop_times.txt row", all...)
	}

	err := gocsv.UnmarshalBytesToCallback(data, func(st *stopTimeCSV) {
		row++
		trip, ok := trips[st.TripID]
		if !ok {
			skip("unknown trip_id", slog.String("trip_id", st.TripID))
			return
		}
		if _, ok := stops[st.StopID]; !ok {
			skip("unknown stop_id", slog.String("stop_id", st.StopID))
			return
		}
		seq, err := strconv.Atoi(strings.TrimSpace(st.StopSequence))
		if err != nil {
			skip("bad stop_sequence", slog.String("trip_id", st.TripID))
			return
		}
		arrival, err := gtfstime.OffsetFromHHMMSS(st.ArrivalTime)
		if err != nil {
			skip("bad arrival_time", slog.String("trip_id", st.TripID))
			return
		}
		departure, err := gtfstime.OffsetFromHHMMSS(st.DepartureTime)
		if err != nil {
			skip("bad departure_time", slog.String("trip_id", st.TripID))
			return
		}
		// When exactly one of the pair is given, the other is assumed
		// equal. Keeps the both-or-neither invariant.
		if arrival == gtfstime.NoTime && departure != gtfstime.NoTime {
			arrival = departure
		} else if departure == gtfstime.NoTime && arrival != gtfstime.NoTime {
			departure = arrival
		}

		record := StopTime{
			StopID:      st.StopID,
			Sequence:    seq,
			Arrival:     arrival,
			Departure:   departure,
			PickupType:  parseBoardingType(st.PickupType),
			DropOffType: parseBoardingType(st.DropOffType),
			Headsign:    st.Headsign,
		}
		if st.ShapeDist != "" {
			if dist, err := strconv.ParseFloat(strings.TrimSpace(st.ShapeDist), 64); err == nil {
				record.ShapeDist = dist
				record.HasShapeDist = true
			}
		}
		trip.StopTimes = append(trip.StopTimes, record)
	})
	if err != nil {
		return fmt.Errorf("unmarshaling stop_times.txt: %w", err)
	}
	return nil
}

func parseBoardingType(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < BoardingRegular || n > BoardingDriver {
		return BoardingRegular
	}
	return n
}

func parseCalendars(data []byte, loc *time.Location, logger *slog.Logger) (map[string]*Calendar, error) {
	calendars := map[string]*Calendar{}
	row := -1
	err := gocsv.UnmarshalBytesToCallback(data, func(c *calendarCSV) {
		row++
		if c.ServiceID == "" {
			logging.LogOperation(logger, "skipping malformed calendar.txt row",
				slog.Int("row", row), slog.String("reason", "empty service_id"))
			return
		}
		start, errStart := gtfstime.ParseServiceDate(c.StartDate, loc)
		end, errEnd := gtfstime.ParseServiceDate(c.EndDate, loc)
		if errStart != nil || errEnd != nil {
			logging.LogOperation(logger, "skipping malformed calendar.txt row",
				slog.Int("row", row), slog.String("reason", "bad date range"),
				slog.String("service_id", c.ServiceID))
			return
		}
		cal := &Calendar{
			ServiceID: c.ServiceID,
			StartDate: start,
			EndDate:   end,
			Overrides: map[string]int{},
		}
		cal.Weekdays[time.Monday] = c.Monday == "1"
		cal.Weekdays[time.Tuesday] = c.Tuesday == "1"
		cal.Weekdays[time.Wednesday] = c.Wednesday == "1"
		cal.Weekdays[time.Thursday] = c.Thursday == "1"
		cal.Weekdays[time.Friday] = c.Friday == "1"
		cal.Weekdays[time.Saturday] = c.Saturday == "1"
		cal.Weekdays[time.Sunday] = c.Sunday == "1"
		calendars[c.ServiceID] = cal
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling calendar.txt: %w", err)
	}
	return calendars, nil
}

func parseCalendarDates(data []byte, calendars map[string]*Calendar, logger *slog.Logger) error {
	row := -1
	err := gocsv.UnmarshalBytesToCallback(data, func(cd *calendarDateCSV) {
		row++
		if cd.ServiceID == "" || len(cd.Date) != 8 {
			logging.LogOperation(logger, "skipping malformed calendar_dates.txt row",
				slog.Int("row", row), slog.String("reason", "missing service_id or date"))
			return
		}
		exception, err := strconv.Atoi(strings.TrimSpace(cd.ExceptionType))
		if err != nil || (exception != ExceptionAdded && exception != ExceptionRemoved) {
			logging.LogOperation(logger, "skipping malformed calendar_dates.txt row",
				slog.Int("row", row), slog.String("reason", "bad exception_type"),
				slog.String("service_id", cd.ServiceID))
			return
		}
		cal, ok := calendars[cd.ServiceID]
		if !ok {
			// Services defined purely by exceptions get an empty
			// weekday bitmap and an inverted (never matching) range.
			cal = &Calendar{
				ServiceID: cd.ServiceID,
				Overrides: map[string]int{},
			}
			calendars[cd.ServiceID] = cal
		}
		cal.Overrides[cd.Date] = exception
	})
	if err != nil {
		return fmt.Errorf("unmarshaling calendar_dates.txt: %w", err)
	}
	return nil
}
