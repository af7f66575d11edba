package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"adsingest/internal/accounts"
	"adsingest/internal/types"
)

const (
	reportsPath = "/reporting/reports"

	headerClientID = "Amazon-Advertising-API-ClientId"
	headerScope    = "Amazon-Advertising-API-Scope"

	reportContentType = "application/vnd.createasyncreportrequest.v3+json"

	defaultCreateTimeout   = 30 * time.Second
	defaultStatusTimeout   = 15 * time.Second
	defaultDownloadTimeout = 60 * time.Second
)

// DefaultEndpoints are the production base URLs per advertising region.
var DefaultEndpoints = map[types.Region]string{
	types.RegionNA: "https://advertising-api.amazon.com",
	types.RegionEU: "https://advertising-api-eu.amazon.com",
	types.RegionFE: "https://advertising-api-fe.amazon.com",
}

// TokenSource supplies bearer tokens for the Ads API. Obtaining and
// refreshing them is the job of whatever sits behind the interface.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, typically loaded from config.
type StaticTokenSource struct {
	token types.SecretString
}

// NewStaticTokenSource creates a StaticTokenSource.
func NewStaticTokenSource(token types.SecretString) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token returns the configured token or a config_missing error when empty.
func (s *StaticTokenSource) Token(context.Context) (string, error) {
	if s.token.IsZero() {
		return "", types.NewAppError(types.ErrCodeConfigMissing, "ads access token is not configured", nil)
	}
	return s.token.Unmask(), nil
}

// AdsClientConfig holds the configuration for creating an AdsReportingClient.
type AdsClientConfig struct {
	ClientID  string
	Tokens    TokenSource
	UserAgent string

	// Endpoints overrides DefaultEndpoints; missing regions fall back to it.
	Endpoints map[types.Region]string

	CreateTimeout   time.Duration
	StatusTimeout   time.Duration
	DownloadTimeout time.Duration

	Logger *slog.Logger
}

// AdsReportingClient creates reports, polls their status and downloads
// their output. API calls and downloads use separate breakers so a broken
// download host does not block report creation.
type AdsReportingClient struct {
	api       *BaseClient
	download  *BaseClient
	clientID  string
	tokens    TokenSource
	endpoints map[types.Region]string

	createTimeout   time.Duration
	statusTimeout   time.Duration
	downloadTimeout time.Duration

	logger *slog.Logger
}

// NewAdsReportingClient creates an AdsReportingClient whose calls all pass
// through limiter.
func NewAdsReportingClient(httpClient *http.Client, limiter *AdaptiveLimiter, cfg AdsClientConfig) *AdsReportingClient {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "adsingest/1.0"
	}
	return NewAdsReportingClientWithBase(
		NewBaseClient(httpClient, "ads-reporting", limiter, userAgent),
		NewBaseClient(httpClient, "ads-download", limiter, userAgent),
		cfg,
	)
}

// NewAdsReportingClientWithBase creates an AdsReportingClient with
// pre-configured BaseClients.
func NewAdsReportingClientWithBase(api, download *BaseClient, cfg AdsClientConfig) *AdsReportingClient {
	endpoints := make(map[types.Region]string, len(DefaultEndpoints))
	for region, base := range DefaultEndpoints {
		endpoints[region] = base
	}
	for region, base := range cfg.Endpoints {
		if base != "" {
			endpoints[region] = strings.TrimSuffix(base, "/")
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AdsReportingClient{
		api:             api,
		download:        download,
		clientID:        cfg.ClientID,
		tokens:          cfg.Tokens,
		endpoints:       endpoints,
		createTimeout:   orDefault(cfg.CreateTimeout, defaultCreateTimeout),
		statusTimeout:   orDefault(cfg.StatusTimeout, defaultStatusTimeout),
		downloadTimeout: orDefault(cfg.DownloadTimeout, defaultDownloadTimeout),
		logger:          logger,
	}
}

type createReportBody struct {
	Name          string              `json:"name"`
	StartDate     string              `json:"startDate"`
	EndDate       string              `json:"endDate"`
	Configuration reportConfiguration `json:"configuration"`
}

type reportConfiguration struct {
	AdProduct    string   `json:"adProduct"`
	GroupBy      []string `json:"groupBy"`
	Columns      []string `json:"columns"`
	ReportTypeID string   `json:"reportTypeId"`
	TimeUnit     string   `json:"timeUnit"`
	Format       string   `json:"format"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
	Status   string `json:"status"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

var (
	targetColumns = []string{
		"campaign.id", "adGroup.id",
		"target.value", "target.matchType", "matchedTarget.value",
		"metric.impressions", "metric.clicks", "metric.spend", "metric.sales", "metric.orders",
	}
	productColumns = []string{
		"campaign.id", "adGroup.id", "ad.id", "advertisedProduct.asin",
		"metric.impressions", "metric.clicks", "metric.spend", "metric.sales", "metric.orders",
	}

	duplicateIDPattern = regexp.MustCompile(`(?i)duplicate of\s*:?\s*([A-Za-z0-9-]+)`)
)

// ReportColumns returns the column set requested for an aggregation and
// entity type, including the time column.
func ReportColumns(agg types.Aggregation, entity types.EntityType) []string {
	base := targetColumns
	if entity == types.EntityProduct {
		base = productColumns
	}
	cols := make([]string, 0, len(base)+1)
	if agg == types.AggregationHourly {
		cols = append(cols, "hour.value")
	} else {
		cols = append(cols, "date.value")
	}
	return append(cols, base...)
}

func reportConfigFor(agg types.Aggregation, entity types.EntityType) reportConfiguration {
	cfg := reportConfiguration{
		AdProduct: "SPONSORED_PRODUCTS",
		Columns:   ReportColumns(agg, entity),
		Format:    "GZIP_JSON",
		TimeUnit:  "DAILY",
	}
	if agg == types.AggregationHourly {
		cfg.TimeUnit = "HOURLY"
	}
	if entity == types.EntityProduct {
		cfg.ReportTypeID = "spAdvertisedProduct"
		cfg.GroupBy = []string{"advertiser"}
	} else {
		cfg.ReportTypeID = "spTargeting"
		cfg.GroupBy = []string{"targeting"}
	}
	return cfg
}

// CreateReport requests a report for the given range and returns its id.
// A 425 duplicate response is treated as success with the existing id.
func (c *AdsReportingClient) CreateReport(ctx context.Context, r types.ReportRequest) (string, error) {
	if !r.Aggregation.Valid() || !r.EntityType.Valid() {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("invalid report request %s/%s", r.Aggregation, r.EntityType),
			nil,
		)
	}

	body := createReportBody{
		Name:          fmt.Sprintf("adsingest %s %s %s %s", r.AccountID, r.Aggregation, r.EntityType, r.StartDate),
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		Configuration: reportConfigFor(r.Aggregation, r.EntityType),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize report request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	req, err := c.newAPIRequest(ctx, http.MethodPost, r.AccountID, r.CountryCode, reportsPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", reportContentType)

	resp, err := c.api.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooEarly {
		apiErr := readAPIError(resp)
		if m := duplicateIDPattern.FindStringSubmatch(apiErr.Detail); m != nil {
			c.logger.InfoContext(ctx, "report request is a duplicate, reusing existing report",
				"account_id", r.AccountID,
				"report_id", m[1],
			)
			return m[1], nil
		}
		return "", rejected("CreateReport", resp.StatusCode, apiErr)
	}
	if resp.StatusCode >= 400 {
		return "", rejected("CreateReport", resp.StatusCode, readAPIError(resp))
	}

	var created createReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "failed to decode create report response", err)
	}
	if created.ReportID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "create report returned empty report id", nil)
	}

	c.logger.InfoContext(ctx, "report requested",
		"account_id", r.AccountID,
		"aggregation", string(r.Aggregation),
		"entity_type", string(r.EntityType),
		"start_date", r.StartDate,
		"report_id", created.ReportID,
	)
	return created.ReportID, nil
}

// GetReportStatus fetches the live status of reportID.
func (c *AdsReportingClient) GetReportStatus(ctx context.Context, accountID, countryCode, reportID string) (*types.ReportStatus, error) {
	if reportID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "report id is required for status check", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := c.newAPIRequest(ctx, http.MethodGet, accountID, countryCode, reportsPath+"/"+url.PathEscape(reportID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundReport, fmt.Sprintf("report %s not found", reportID), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, rejected("GetReportStatus", resp.StatusCode, readAPIError(resp))
	}

	var status types.ReportStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "failed to decode report status", err)
	}
	if status.ReportID == "" {
		status.ReportID = reportID
	}
	return &status, nil
}

// Download opens the report at a pre-signed URL. The returned body must be
// closed; the download timeout covers reading it.
func (c *AdsReportingClient) Download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	if downloadURL == "" {
		return nil, types.NewAppError(types.ErrCodeNoDownloadURL, "report has no download url", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		cancel()
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create download request", err)
	}

	resp, err := c.download.Do(req)
	if err != nil {
		cancel()
		return nil, types.NewAppError(types.ErrCodeUpstreamDownload, "report download failed", err)
	}
	if resp.StatusCode >= 400 {
		defer cancel()
		defer resp.Body.Close()
		return nil, types.NewAppError(
			types.ErrCodeUpstreamDownload,
			fmt.Sprintf("report download returned %d", resp.StatusCode),
			nil,
		)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *AdsReportingClient) newAPIRequest(ctx context.Context, method, accountID, countryCode, path string, body io.Reader) (*http.Request, error) {
	region, err := accounts.RegionFor(countryCode)
	if err != nil {
		return nil, err
	}
	base, ok := c.endpoints[region]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeConfigMissing, fmt.Sprintf("no endpoint configured for region %s", region), nil)
	}
	if c.tokens == nil {
		return nil, types.NewAppError(types.ErrCodeConfigMissing, "no token source configured", nil)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create ads api request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerClientID, c.clientID)
	req.Header.Set(headerScope, accountID)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func readAPIError(resp *http.Response) apiErrorBody {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || (body.Detail == "" && body.Message == "") {
		body.Detail = string(raw)
	}
	if body.Detail == "" {
		body.Detail = body.Message
	}
	return body
}

func rejected(operation string, status int, body apiErrorBody) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamRejected,
		fmt.Sprintf("%s returned %d: %s", operation, status, body.Detail),
		nil,
		map[string]any{"status_code": status, "api_code": body.Code},
	)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
