package eligibility

import (
	"time"

	"adsingest/internal/types"
)

// Retention horizons walked by backfill.
const (
	HourlyRetentionDays  = 14
	DailyRetentionMonths = 15
	dateLayout           = "2006-01-02"
)

// CurrentPeriodStart returns the naive local start of the period containing
// now: the top of the local hour for hourly, local midnight for daily.
func CurrentPeriodStart(agg types.Aggregation, now time.Time, loc *time.Location) time.Time {
	local := ToNaive(now, loc)
	if agg == types.AggregationHourly {
		return local.Truncate(time.Hour)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Horizon returns the oldest naive period start kept for agg, relative to the
// current period start.
func Horizon(agg types.Aggregation, current time.Time) time.Time {
	if agg == types.AggregationHourly {
		return current.AddDate(0, 0, -HourlyRetentionDays)
	}
	return current.AddDate(0, -DailyRetentionMonths, 0)
}

// PeriodStarts lists every naive period start from the current period back to
// the horizon, newest first.
//
// Hourly periods are walked in real hours, so a spring-forward gap produces no
// period and a fall-back repeat produces the same naive start twice (the
// registry's unique key collapses it). Daily periods are walked by calendar day.
func PeriodStarts(agg types.Aggregation, now time.Time, loc *time.Location) []time.Time {
	current := CurrentPeriodStart(agg, now, loc)
	horizon := Horizon(agg, current)

	var out []time.Time
	if agg == types.AggregationHourly {
		instant := ToInstant(current, loc)
		for p := current; !p.Before(horizon); {
			if len(out) == 0 || !out[len(out)-1].Equal(p) {
				out = append(out, p)
			}
			instant = instant.Add(-time.Hour)
			p = ToNaive(instant, loc)
		}
		return out
	}

	for p := current; !p.Before(horizon); p = p.AddDate(0, 0, -1) {
		out = append(out, p)
	}
	return out
}

// ReportDates returns the account-local start and end dates a report request
// for the period must name.
func ReportDates(periodStart time.Time) (string, string) {
	d := periodStart.Format(dateLayout)
	return d, d
}

// SamePeriod reports whether the naive bucket start falls in the period.
func SamePeriod(agg types.Aggregation, periodStart, bucketStart time.Time) bool {
	if agg == types.AggregationHourly {
		return periodStart.Truncate(time.Hour).Equal(bucketStart.Truncate(time.Hour))
	}
	return periodStart.Format(dateLayout) == bucketStart.Format(dateLayout)
}
