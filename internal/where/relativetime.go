package where

import (
	"strconv"
	"strings"
	"time"

	"github.com/koba/pgobjects/internal/apierror"
)

// now is swapped in tests.
var now = time.Now

var intervalSeconds = map[string]int64{
	"yr": 31536000, "yrs": 31536000, "year": 31536000, "years": 31536000,
	"wk": 604800, "wks": 604800, "week": 604800, "weeks": 604800,
	"d": 86400, "day": 86400, "days": 86400,
	"hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"sec": 1, "secs": 1, "second": 1, "seconds": 1,
}

// relativeTimeToDate resolves phrases like "in 2 days", "3 hours ago" or "now".
func relativeTimeToDate(text string, at time.Time) (time.Time, error) {
	text = strings.ToLower(text)
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return time.Time{}, relativeErr("Time should either start with 'in' or end with 'ago'")
	}
	future := parts[0] == "in"
	past := parts[len(parts)-1] == "ago"
	isNow := strings.TrimSpace(text) == "now"

	if !future && !past && !isNow {
		return time.Time{}, relativeErr("Time should either start with 'in' or end with 'ago'")
	}
	if future && past {
		return time.Time{}, relativeErr("Time cannot have both 'in' and 'ago'")
	}
	if isNow {
		return at, nil
	}
	if future {
		parts = parts[1:]
	} else {
		parts = parts[:len(parts)-1]
	}
	if len(parts)%2 != 0 {
		return time.Time{}, relativeErr("Invalid time string. Dangling unit or number.")
	}

	var seconds int64
	for i := 0; i < len(parts); i += 2 {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return time.Time{}, relativeErr("'" + parts[i] + "' is not an integer.")
		}
		unit, ok := intervalSeconds[parts[i+1]]
		if !ok {
			return time.Time{}, relativeErr("Invalid interval: '" + parts[i+1] + "'")
		}
		seconds += n * unit
	}

	d := time.Duration(seconds) * time.Second
	if future {
		return at.Add(d), nil
	}
	return at.Add(-d), nil
}

func relativeErr(info string) error {
	return apierror.New(apierror.InvalidJSON, "bad $relativeTime value. %s", info)
}
