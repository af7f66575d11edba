package types

// Aggregation is the reporting cadence of a report dataset.
type Aggregation string

const (
	AggregationHourly Aggregation = "hourly"
	AggregationDaily  Aggregation = "daily"
)

// Valid reports whether a is a known aggregation.
func (a Aggregation) Valid() bool {
	return a == AggregationHourly || a == AggregationDaily
}

// EntityType identifies which advertising entity a report dataset covers.
type EntityType string

const (
	EntityTarget  EntityType = "target"
	EntityProduct EntityType = "product"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTarget || e == EntityProduct
}

// Aggregations lists every cadence the scheduler walks, in processing order.
var Aggregations = []Aggregation{AggregationHourly, AggregationDaily}

// EntityTypes lists every entity type the scheduler walks, in processing order.
var EntityTypes = []EntityType{EntityTarget, EntityProduct}

// DatasetStatus is the lifecycle state of a report dataset tuple.
type DatasetStatus string

const (
	DatasetMissing   DatasetStatus = "missing"
	DatasetFetching  DatasetStatus = "fetching"
	DatasetParsing   DatasetStatus = "parsing"
	DatasetCompleted DatasetStatus = "completed"
	DatasetFailed    DatasetStatus = "failed"
)

// ExternalReportStatus is the status string reported by the Ads reporting API.
type ExternalReportStatus string

const (
	ReportPending    ExternalReportStatus = "PENDING"
	ReportProcessing ExternalReportStatus = "PROCESSING"
	ReportCompleted  ExternalReportStatus = "COMPLETED"
	ReportFailed     ExternalReportStatus = "FAILED"
)

// MatchType is the internal match-type code stored on targets and aggregates.
type MatchType string

const (
	MatchExact           MatchType = "EXACT"
	MatchPhrase          MatchType = "PHRASE"
	MatchBroad           MatchType = "BROAD"
	MatchProductExact    MatchType = "PRODUCT_EXACT"
	MatchProductSimilar  MatchType = "PRODUCT_SIMILAR"
	MatchAutoClose       MatchType = "AUTO_CLOSE"
	MatchAutoLoose       MatchType = "AUTO_LOOSE"
	MatchAutoSubstitutes MatchType = "AUTO_SUBSTITUTES"
	MatchAutoComplements MatchType = "AUTO_COMPLEMENTS"
)

// IsKeyword reports whether m is a keyword match type.
func (m MatchType) IsKeyword() bool {
	return m == MatchExact || m == MatchPhrase || m == MatchBroad
}

// TargetType distinguishes manually chosen targets from auto-targeting clauses.
type TargetType string

const (
	TargetKeyword TargetType = "KEYWORD"
	TargetProduct TargetType = "PRODUCT"
	TargetAuto    TargetType = "AUTO"
)

// Region is the Ads API region an account's profile lives in.
type Region string

const (
	RegionNA Region = "NA"
	RegionEU Region = "EU"
	RegionFE Region = "FE"
)
