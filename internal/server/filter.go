package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	tokentap "github.com/tokentap/tokentap/internal"
)

// parseFilter builds an event filter from query parameters. Unknown
// parameters are ignored; malformed typed values are rejected.
func parseFilter(r *http.Request) (tokentap.EventFilter, error) {
	q := r.URL.Query()
	f := tokentap.EventFilter{
		Provider:    q.Get("provider"),
		Model:       q.Get("model"),
		Program:     q.Get("program"),
		Project:     q.Get("project"),
		DeviceID:    q.Get("device_id"),
		CaptureMode: q.Get("capture_mode"),
	}

	if v := q.Get("is_token_consuming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("is_token_consuming must be a boolean, got %q", v)
		}
		f.IsTokenConsuming = &b
	}

	var err error
	if f.DateFrom, err = parseDate(q.Get("date_from")); err != nil {
		return f, err
	}
	if f.DateTo, err = parseDate(q.Get("date_to")); err != nil {
		return f, err
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want RFC 3339 or YYYY-MM-DD", v)
}

func parsePaging(r *http.Request) (skip, limit int) {
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("skip")); err == nil && v > 0 {
		skip = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return skip, limit
}
