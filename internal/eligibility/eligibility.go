// Package eligibility decides when a report dataset may be refreshed.
//
// The Ads reporting API restates a period's numbers at a handful of known ages
// after the period starts. A dataset is worth re-requesting once it crosses
// one of those offsets, and only if no report was requested since it did.
//
// Period starts and report-creation stamps are stored as naive local wall-clock
// values. Every difference below is taken between real instants, after
// interpreting those naive values in the account's zone.
package eligibility

import (
	"time"

	"adsingest/internal/types"
)

// InFlightPollInterval is how soon a dataset holding an external report
// handle is looked at again.
const InFlightPollInterval = 5 * time.Minute

var (
	// dailyOffsets are day offsets {1,3,5,7,14,30,60} expressed in hours.
	dailyOffsets  = []int{24, 72, 120, 168, 336, 720, 1440}
	hourlyOffsets = []int{24, 72, 312}
)

// Offsets returns the refresh offsets in hours for agg, ascending.
func Offsets(agg types.Aggregation) []int {
	var src []int
	switch agg {
	case types.AggregationDaily:
		src = dailyOffsets
	case types.AggregationHourly:
		src = hourlyOffsets
	default:
		return nil
	}
	out := make([]int, len(src))
	copy(out, src)
	return out
}

// ToInstant interprets a naive wall-clock value in loc. Wall times that do not
// exist in loc (spring-forward gaps) are normalized forward by the time package.
func ToInstant(naive time.Time, loc *time.Location) time.Time {
	return time.Date(naive.Year(), naive.Month(), naive.Day(),
		naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), loc)
}

// ToNaive returns the wall clock of t in loc as a naive value.
func ToNaive(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(),
		l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// floorHours floors d to whole hours, rounding toward negative infinity.
func floorHours(d time.Duration) int {
	h := int(d / time.Hour)
	if d < 0 && d%time.Hour != 0 {
		h--
	}
	return h
}

// AgeHours returns the whole hours elapsed between the period start and now.
func AgeHours(periodStart time.Time, now time.Time, loc *time.Location) int {
	return floorHours(now.Sub(ToInstant(periodStart, loc)))
}

// createdAgeHours returns the age of the period when the last report was
// requested, both values being naive local times.
func createdAgeHours(periodStart, lastCreated time.Time, loc *time.Location) int {
	return floorHours(ToInstant(lastCreated, loc).Sub(ToInstant(periodStart, loc)))
}

// MatchingOffset returns the largest offset already reached at ageHours.
func MatchingOffset(agg types.Aggregation, ageHours int) (int, bool) {
	matched, ok := 0, false
	for _, off := range Offsets(agg) {
		if off <= ageHours {
			matched, ok = off, true
		}
	}
	return matched, ok
}

// IsEligible reports whether a new report should be requested for the period.
// It is true once an offset has been reached and no report was requested at or
// after that offset.
func IsEligible(
	periodStart time.Time,
	agg types.Aggregation,
	lastReportCreatedAt *time.Time,
	now time.Time,
	loc *time.Location,
) bool {
	matching, ok := MatchingOffset(agg, AgeHours(periodStart, now, loc))
	if !ok {
		return false
	}
	if lastReportCreatedAt == nil {
		return true
	}
	return createdAgeHours(periodStart, *lastReportCreatedAt, loc) < matching
}

// NextRefreshTime returns when the dataset should next be looked at: the
// instant of the first offset that is either not reached yet or reached but
// not captured. A dataset with a report in flight is polled again after
// InFlightPollInterval. Nil means every offset has been captured.
func NextRefreshTime(
	periodStart time.Time,
	agg types.Aggregation,
	lastReportCreatedAt *time.Time,
	inFlight bool,
	now time.Time,
	loc *time.Location,
) *time.Time {
	if inFlight {
		next := now.Add(InFlightPollInterval)
		return &next
	}

	start := ToInstant(periodStart, loc)
	age := floorHours(now.Sub(start))

	captured := -1
	if lastReportCreatedAt != nil {
		captured = createdAgeHours(periodStart, *lastReportCreatedAt, loc)
	}

	for _, off := range Offsets(agg) {
		if age < off || captured < off {
			next := start.Add(time.Duration(off) * time.Hour)
			return &next
		}
	}
	return nil
}
