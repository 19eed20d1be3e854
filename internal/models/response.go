// Package models defines the wire-level response objects of the line
// protocol: the envelope every reply carries plus the per-verb payloads.
package models

import "time"

// Error codes carried in the envelope. 0 means success.
const (
	ErrNone        = 0
	ErrUnknownVerb = 1
	ErrInternal    = 2

	ErrTripNotFound       = 101
	ErrRouteNotFound      = 201
	ErrStopNotFound       = 301
	ErrStationNotFound    = 401
	ErrRouteStopsNotFound = 501
	ErrNextStopNotFound   = 601

	ErrDirectArgCount           = 701
	ErrBadDayToken              = 702
	ErrDirectOriginUnknown      = 703
	ErrDirectDestinationUnknown = 704

	ErrRealtimeUnavailable  = 801
	ErrRealtimeRouteUnknown = 802
	ErrRealtimeEmptyFeed    = 803

	ErrConnectArgCount           = 901
	ErrConnectOriginUnknown      = 902
	ErrConnectDestinationUnknown = 903
	ErrConnectBadWindow          = 904
	ErrConnectWindowOrder        = 905
	ErrConnectTripUnknown        = 906
)

const (
	messageTime12 = "02-Jan-2006 03:04:05 PM"
	// The meridiem marker belongs to the 12-hour form only; with a
	// 24-hour clock configured the envelope timestamp omits it.
	messageTime24 = "02-Jan-2006 15:04:05"
	clock12       = "03:04:05 PM"
	clock24       = "15:04:05"
	dateLayout    = "02-Jan-2006"
)

// Header is the envelope every response carries. Payload structs embed it so
// their fields serialize at the top level of the JSON object.
type Header struct {
	MessageType string `json:"message_type"`
	Error       int    `json:"error"`
	MessageTime string `json:"message_time"`
	ProcTimeMS  int64  `json:"proc_time_ms"`
}

// NewHeader stamps an envelope for a verb. Processing time is filled by the
// dispatcher just before serialization.
func NewHeader(verb string, errCode int, now time.Time, twelveHour bool) Header {
	return Header{
		MessageType: verb,
		Error:       errCode,
		MessageTime: FormatMessageTime(now, twelveHour),
	}
}

// SetProcTime records the measured processing duration.
func (h *Header) SetProcTime(d time.Duration) {
	h.ProcTimeMS = d.Milliseconds()
}

// Code returns the envelope's error code.
func (h *Header) Code() int {
	return h.Error
}

// ErrorResponse is a bare envelope; error replies carry no payload fields.
type ErrorResponse struct {
	Header
}

func NewErrorResponse(verb string, errCode int, now time.Time, twelveHour bool) *ErrorResponse {
	return &ErrorResponse{Header: NewHeader(verb, errCode, now, twelveHour)}
}

// FormatMessageTime renders the envelope timestamp in agency-local time.
func FormatMessageTime(t time.Time, twelveHour bool) string {
	if twelveHour {
		return t.Format(messageTime12)
	}
	return t.Format(messageTime24)
}

// FormatClock renders a time-of-day; the zero time renders empty.
func FormatClock(t time.Time, twelveHour bool) string {
	if t.IsZero() {
		return ""
	}
	if twelveHour {
		return t.Format(clock12)
	}
	return t.Format(clock24)
}

// FormatDate renders a calendar date; the zero time renders empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
