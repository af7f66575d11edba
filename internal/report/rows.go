package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"adsingest/internal/types"
)

// FlexID accepts an identifier encoded as either a JSON string or a JSON
// number and keeps its textual form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// TimeFields carries the row's local time column. Exactly one is requested
// per report, depending on the aggregation.
type TimeFields struct {
	Hour string `json:"hour.value" validate:"required_without=Date"`
	Date string `json:"date.value" validate:"required_without=Hour"`
}

// MetricFields are the measures common to every report type.
type MetricFields struct {
	Impressions *int64      `json:"metric.impressions" validate:"required,min=0"`
	Clicks      *int64      `json:"metric.clicks" validate:"required,min=0"`
	Spend       json.Number `json:"metric.spend" validate:"required,numeric"`
	Sales       json.Number `json:"metric.sales" validate:"required,numeric"`
	Orders      *int64      `json:"metric.orders" validate:"required,min=0"`
}

// TargetRow is one row of a targeting report.
type TargetRow struct {
	TimeFields
	MetricFields

	CampaignID    FlexID `json:"campaign.id" validate:"required"`
	AdGroupID     FlexID `json:"adGroup.id" validate:"required"`
	AdID          FlexID `json:"ad.id"`
	TargetValue   string `json:"target.value"`
	TargetMatch   string `json:"target.matchType" validate:"omitempty,oneof=EXACT PHRASE BROAD TARGETING_EXPRESSION TARGETING_EXPRESSION_PREDEFINED"`
	MatchedTarget string `json:"matchedTarget.value"`
}

// ProductRow is one row of an advertised-product report.
type ProductRow struct {
	TimeFields
	MetricFields

	CampaignID FlexID `json:"campaign.id" validate:"required"`
	AdGroupID  FlexID `json:"adGroup.id" validate:"required"`
	AdID       FlexID `json:"ad.id" validate:"required"`
	ASIN       string `json:"advertisedProduct.asin" validate:"omitempty,alphanum"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func rowValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decodeRow unmarshals and validates one raw row into dst.
func decodeRow(index int, raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return rowError(index, raw, "malformed row", err)
	}
	if err := rowValidator().Struct(dst); err != nil {
		return rowError(index, raw, "row failed validation", err)
	}
	return nil
}

func rowError(index int, raw json.RawMessage, msg string, err error) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationReportRow,
		fmt.Sprintf("row %d: %s", index, msg),
		err,
		map[string]any{"row_index": index, "row": truncate(string(raw), 2048)},
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// localTime returns the row's local time string for agg, or an error when
// the column the aggregation needs is absent.
func (t TimeFields) localTime(agg types.Aggregation) (string, error) {
	var v string
	if agg == types.AggregationHourly {
		v = t.Hour
	} else {
		v = t.Date
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing time column for %s report", agg)
	}
	return v, nil
}
