package report

import (
	"fmt"
	"strings"
	"time"

	"adsingest/internal/eligibility"
	"adsingest/internal/types"
)

// hourLayouts are the accepted encodings of hour.value, all local wall time.
var hourLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02T15",
	"2006-01-02 15",
}

const dateLayout = "2006-01-02"

// Bucket is the time key of an aggregate row.
type Bucket struct {
	// Local is the naive local wall time of the bucket start.
	Local time.Time
	// Start is the UTC instant of Local in the account's zone.
	Start time.Time
	Date  string
	Hour  int
}

// ParseLocal parses an hour.value or date.value string as naive local wall
// time.
func ParseLocal(agg types.Aggregation, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if agg == types.AggregationDaily {
		// Daily rows occasionally carry a full timestamp; only the date counts.
		if len(raw) > len(dateLayout) {
			raw = raw[:len(dateLayout)]
		}
		return time.ParseInLocation(dateLayout, raw, time.UTC)
	}
	for _, layout := range hourLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized hour value %q", raw)
}

// LocalToUTC resolves a naive local wall time to an instant using the
// zone's offset at that instant, so DST transitions are honored.
func LocalToUTC(naive time.Time, loc *time.Location) time.Time {
	return eligibility.ToInstant(naive, loc).UTC()
}

// BucketFor computes the bucket of a row time in loc. Hourly rows bucket to
// the top of the local hour, daily rows to local midnight.
func BucketFor(agg types.Aggregation, raw string, loc *time.Location) (Bucket, error) {
	local, err := ParseLocal(agg, raw)
	if err != nil {
		return Bucket{}, types.NewAppError(types.ErrCodeValidationInvalidBucket, err.Error(), err)
	}
	if agg == types.AggregationHourly {
		local = local.Truncate(time.Hour)
	} else {
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	}

	b := Bucket{
		Local: local,
		Start: LocalToUTC(local, loc),
		Date:  local.Format(dateLayout),
	}
	if agg == types.AggregationHourly {
		b.Hour = local.Hour()
	}
	return b, nil
}
