// Package ingest decides what to do with each report tuple and runs the
// scheduling passes that hand tuples to workers.
package ingest

import (
	"context"
	"fmt"
	"time"

	"adsingest/internal/eligibility"
	"adsingest/internal/types"
)

// Action is what a worker should do with a tuple right now.
type Action string

const (
	// ActionNone leaves the tuple alone until its next refresh time.
	ActionNone Action = "none"
	// ActionCreate requests a new external report.
	ActionCreate Action = "create"
	// ActionProcess downloads and parses a completed report.
	ActionProcess Action = "process"
	// ActionDiscard drops a report handle that will never complete.
	ActionDiscard Action = "discard"
)

// StatusFetcher reads the live status of an external report.
type StatusFetcher interface {
	GetReportStatus(ctx context.Context, accountID, countryCode, reportID string) (*types.ReportStatus, error)
}

// Decision is the result of DecideAction. Status is set whenever a status
// fetch happened; Reason explains a discard.
type Decision struct {
	Action Action
	Status *types.ReportStatus
	Reason string
}

// DecideAction chooses the next step for t without side effects.
//
// A tuple holding a report handle is checked against the API: COMPLETED is
// processed, FAILED or unknown handles are discarded, and handles older than
// handleTTL are discarded even if still pending. A COMPLETED handle whose
// last parse failed is discarded once it is older than handleTTL. Anything
// else waits. A tuple without a handle is created when eligible.
func DecideAction(ctx context.Context, t *types.ReportTuple, fetcher StatusFetcher, handleTTL time.Duration, now time.Time, loc *time.Location) (Decision, error) {
	if t.InFlight() {
		status, err := fetcher.GetReportStatus(ctx, t.AccountID, t.CountryCode, *t.ReportID)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundReport) {
				return Decision{Action: ActionDiscard, Reason: fmt.Sprintf("report %s no longer exists", *t.ReportID)}, nil
			}
			return Decision{}, err
		}

		age, expired := handleExpired(t, handleTTL, now, loc)
		switch status.Status {
		case types.ReportCompleted:
			// A completed handle that already failed parsing is retried only
			// until it ages out; then a fresh report is requested.
			if t.Status == types.DatasetFailed && expired {
				return Decision{
					Action: ActionDiscard,
					Status: status,
					Reason: fmt.Sprintf("report %s still unparseable after %s: %s", *t.ReportID, age.Truncate(time.Minute), lastError(t)),
				}, nil
			}
			return Decision{Action: ActionProcess, Status: status}, nil
		case types.ReportFailed:
			reason := status.FailureReason
			if reason == "" {
				reason = "report generation failed"
			}
			return Decision{Action: ActionDiscard, Status: status, Reason: fmt.Sprintf("report %s failed: %s", status.ReportID, reason)}, nil
		}

		if expired {
			return Decision{
				Action: ActionDiscard,
				Status: status,
				Reason: fmt.Sprintf("report %s still %s after %s", *t.ReportID, status.Status, age.Truncate(time.Minute)),
			}, nil
		}
		return Decision{Action: ActionNone, Status: status}, nil
	}

	if eligibility.IsEligible(t.PeriodStart, t.Aggregation, t.LastReportCreatedAt, now, loc) {
		return Decision{Action: ActionCreate}, nil
	}
	return Decision{Action: ActionNone}, nil
}

// handleExpired reports the age of t's report handle and whether it is older
// than handleTTL. A zero TTL never expires.
func handleExpired(t *types.ReportTuple, handleTTL time.Duration, now time.Time, loc *time.Location) (time.Duration, bool) {
	if handleTTL <= 0 || t.LastReportCreatedAt == nil {
		return 0, false
	}
	age := now.Sub(eligibility.ToInstant(*t.LastReportCreatedAt, loc))
	return age, age > handleTTL
}

func lastError(t *types.ReportTuple) string {
	if t.Error == nil || *t.Error == "" {
		return "parse failed"
	}
	return *t.Error
}
