package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is an Ads profile the ingestor keeps report datasets for.
type Account struct {
	ID          string `json:"account_id" yaml:"account_id"`
	CountryCode string `json:"country_code" yaml:"country_code"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// DatasetKey is the natural key of a report dataset tuple.
type DatasetKey struct {
	AccountID   string
	PeriodStart time.Time
	Aggregation Aggregation
	EntityType  EntityType
}

// ReportTuple is the lifecycle record for one account x period x aggregation x
// entity type. PeriodStart and LastReportCreatedAt are naive local wall-clock
// values (UTC location, wall clock of the account's zone); NextRefreshAt and
// RefreshingSince are real instants.
type ReportTuple struct {
	ID                  int64
	AccountID           string
	CountryCode         string
	PeriodStart         time.Time
	Aggregation         Aggregation
	EntityType          EntityType
	Status              DatasetStatus
	Refreshing          bool
	RefreshingSince     *time.Time
	ReportID            *string
	LastReportCreatedAt *time.Time
	NextRefreshAt       *time.Time
	Error               *string
	UpdatedAt           time.Time
}

// Key returns the tuple's natural key.
func (t *ReportTuple) Key() DatasetKey {
	return DatasetKey{
		AccountID:   t.AccountID,
		PeriodStart: t.PeriodStart,
		Aggregation: t.Aggregation,
		EntityType:  t.EntityType,
	}
}

// InFlight reports whether the tuple holds an external report handle.
func (t *ReportTuple) InFlight() bool {
	return t.ReportID != nil && *t.ReportID != ""
}

// TupleChange is the payload emitted to observers on every tuple mutation.
type TupleChange struct {
	TupleID     int64         `json:"tuple_id"`
	AccountID   string        `json:"account_id"`
	CountryCode string        `json:"country_code"`
	PeriodStart time.Time     `json:"period_start"`
	Aggregation Aggregation   `json:"aggregation"`
	EntityType  EntityType    `json:"entity_type"`
	Status      DatasetStatus `json:"status"`
	Refreshing  bool          `json:"refreshing"`
	ReportID    *string       `json:"report_id,omitempty"`
	Error       *string       `json:"error,omitempty"`
	ChangedAt   time.Time     `json:"changed_at"`
}

// ChangeOf builds the notification payload for t.
func ChangeOf(t *ReportTuple, at time.Time) TupleChange {
	return TupleChange{
		TupleID:     t.ID,
		AccountID:   t.AccountID,
		CountryCode: t.CountryCode,
		PeriodStart: t.PeriodStart,
		Aggregation: t.Aggregation,
		EntityType:  t.EntityType,
		Status:      t.Status,
		Refreshing:  t.Refreshing,
		ReportID:    t.ReportID,
		Error:       t.Error,
		ChangedAt:   at.UTC(),
	}
}

// AggregateRow is one time-bucketed performance row. Measures are point-in-time
// totals for the bucket, so replays overwrite rather than accumulate.
type AggregateRow struct {
	AccountID   string
	BucketStart time.Time // UTC instant of the local bucket start
	BucketDate  string    // local calendar date, YYYY-MM-DD
	BucketHour  int       // local hour 0-23; 0 for daily rows
	AdID        string
	EntityType  EntityType
	EntityID    string
	CampaignID  string
	AdGroupID   string
	MatchType   MatchType
	Impressions int64
	Clicks      int64
	Spend       decimal.Decimal
	Sales       decimal.Decimal
	Orders      int64
}

// ReportRequest describes one report creation call.
type ReportRequest struct {
	AccountID   string
	CountryCode string
	Aggregation Aggregation
	EntityType  EntityType
	StartDate   string // YYYY-MM-DD, account-local
	EndDate     string // YYYY-MM-DD, account-local
}

// ReportPart is one downloadable chunk of a completed report.
type ReportPart struct {
	URL string `json:"url"`
}

// ReportStatus is the live status of an external report handle.
type ReportStatus struct {
	ReportID      string               `json:"reportId"`
	Status        ExternalReportStatus `json:"status"`
	URL           string               `json:"url,omitempty"`
	Parts         []ReportPart         `json:"parts,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
}

// DownloadURL returns the first completed part URL, falling back to the
// top-level URL. Empty when the report has nothing to download.
func (s *ReportStatus) DownloadURL() string {
	for _, p := range s.Parts {
		if p.URL != "" {
			return p.URL
		}
	}
	return s.URL
}

// TargetKey identifies an internal targeting entity within an ad group.
// Value is the keyword text or ASIN; empty for auto targets.
type TargetKey struct {
	AccountID  string
	AdGroupID  string
	TargetType TargetType
	MatchType  MatchType
	Value      string
}

// ProductKey identifies an advertised product. AdID is preferred; the
// (AdGroupID, ASIN) pair is the fallback when the ad is not yet synced.
type ProductKey struct {
	AccountID string
	AdID      string
	AdGroupID string
	ASIN      string
}
