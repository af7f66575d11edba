package report

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsingest/internal/types"
)

type fakeDownloader struct {
	body []byte
	err  error
	urls []string
}

func (f *fakeDownloader) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

type fakeWriter struct {
	agg   types.Aggregation
	rows  []types.AggregateRow
	calls int
	err   error
}

func (f *fakeWriter) Upsert(_ context.Context, agg types.Aggregation, rows []types.AggregateRow) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.agg = agg
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func hourlyTargetTuple() *types.ReportTuple {
	return &types.ReportTuple{
		ID:          7,
		AccountID:   "A1",
		CountryCode: "US",
		PeriodStart: time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC),
		Aggregation: types.AggregationHourly,
		EntityType:  types.EntityTarget,
	}
}

func completed(url string) *types.ReportStatus {
	return &types.ReportStatus{ReportID: "r-1", Status: types.ReportCompleted, URL: url}
}

const targetReport = `[
  {"hour.value":"2024-03-10T01:00:00","campaign.id":1,"adGroup.id":10,"target.value":"shoes","target.matchType":"EXACT",
   "metric.impressions":100,"metric.clicks":4,"metric.spend":1.25,"metric.sales":"20.00","metric.orders":1},
  {"hour.value":"2024-03-10T01:00:00","campaign.id":1,"adGroup.id":10,"target.value":"asin-expanded=\"B000X\"","target.matchType":"TARGETING_EXPRESSION",
   "metric.impressions":50,"metric.clicks":2,"metric.spend":0.5,"metric.sales":0,"metric.orders":0},
  {"hour.value":"2024-03-10T03:00:00","campaign.id":1,"adGroup.id":10,"target.value":"shoes","target.matchType":"EXACT",
   "metric.impressions":9,"metric.clicks":0,"metric.spend":0,"metric.sales":0,"metric.orders":0}
]`

func targetLookup() *fakeLookup {
	lookup := newFakeLookup()
	lookup.targets[types.TargetKey{AccountID: "A1", AdGroupID: "10", TargetType: types.TargetKeyword, MatchType: types.MatchExact, Value: "shoes"}] = "kw-1"
	lookup.targets[types.TargetKey{AccountID: "A1", AdGroupID: "10", TargetType: types.TargetProduct, MatchType: types.MatchProductSimilar, Value: "B000X"}] = "pt-1"
	return lookup
}

func TestParser_ProcessGzippedHourlyTargets(t *testing.T) {
	dl := &fakeDownloader{body: gzipped(t, targetReport)}
	w := &fakeWriter{}
	p := NewParser(Config{Downloader: dl, Lookup: targetLookup(), Writer: w})

	n, err := p.Process(context.Background(), hourlyTargetTuple(), completed("https://dl/report.json.gz"))
	require.NoError(t, err)

	// The 03:00 row belongs to another period.
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"https://dl/report.json.gz"}, dl.urls)
	assert.Equal(t, types.AggregationHourly, w.agg)
	require.Len(t, w.rows, 2)

	first := w.rows[0]
	assert.Equal(t, "A1", first.AccountID)
	assert.Equal(t, "kw-1", first.EntityID)
	assert.Equal(t, types.MatchExact, first.MatchType)
	assert.True(t, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC).Equal(first.BucketStart))
	assert.Equal(t, "2024-03-10", first.BucketDate)
	assert.Equal(t, 1, first.BucketHour)
	assert.Equal(t, int64(100), first.Impressions)
	assert.True(t, decimal.RequireFromString("1.25").Equal(first.Spend))
	assert.True(t, decimal.RequireFromString("20").Equal(first.Sales))
	assert.Equal(t, "1", first.CampaignID)
	assert.Equal(t, "10", first.AdGroupID)

	assert.Equal(t, "pt-1", w.rows[1].EntityID)
	assert.Equal(t, types.MatchProductSimilar, w.rows[1].MatchType)
}

func TestParser_ReplayProducesSameRows(t *testing.T) {
	body := gzipped(t, targetReport)
	first := &fakeWriter{}
	second := &fakeWriter{}

	for _, w := range []*fakeWriter{first, second} {
		p := NewParser(Config{Downloader: &fakeDownloader{body: body}, Lookup: targetLookup(), Writer: w})
		_, err := p.Process(context.Background(), hourlyTargetTuple(), completed("u"))
		require.NoError(t, err)
	}
	assert.Equal(t, first.rows, second.rows)
}

func TestParser_PlainJSONDailyProducts(t *testing.T) {
	body := `[{"date.value":"2024-05-02","campaign.id":"1","adGroup.id":"10","ad.id":"555","advertisedProduct.asin":"B000X",
		"metric.impressions":10,"metric.clicks":1,"metric.spend":"0.30","metric.sales":"5","metric.orders":1}]`
	lookup := newFakeLookup()
	lookup.products[types.ProductKey{AccountID: "A1", AdID: "555"}] = "prod-9"
	w := &fakeWriter{}
	p := NewParser(Config{Downloader: &fakeDownloader{body: []byte(body)}, Lookup: lookup, Writer: w})

	tuple := &types.ReportTuple{
		AccountID:   "A1",
		CountryCode: "JP",
		PeriodStart: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		Aggregation: types.AggregationDaily,
		EntityType:  types.EntityProduct,
	}
	n, err := p.Process(context.Background(), tuple, completed("u"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, w.rows, 1)
	assert.Equal(t, "prod-9", w.rows[0].EntityID)
	assert.Equal(t, "555", w.rows[0].AdID)
	assert.True(t, time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC).Equal(w.rows[0].BucketStart))
}

func TestParser_InvalidRowWritesNothing(t *testing.T) {
	body := `[
	  {"hour.value":"2024-03-10T01:00:00","campaign.id":1,"adGroup.id":10,"target.value":"shoes","target.matchType":"EXACT",
	   "metric.impressions":1,"metric.clicks":0,"metric.spend":0,"metric.sales":0,"metric.orders":0},
	  {"hour.value":"2024-03-10T01:00:00","campaign.id":1,"adGroup.id":10,"target.value":"shoes","target.matchType":"EXACT",
	   "metric.impressions":-1,"metric.clicks":0,"metric.spend":0,"metric.sales":0,"metric.orders":0}
	]`
	w := &fakeWriter{}
	p := NewParser(Config{Downloader: &fakeDownloader{body: []byte(body)}, Lookup: targetLookup(), Writer: w})

	_, err := p.Process(context.Background(), hourlyTargetTuple(), completed("u"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationReportRow))
	assert.Equal(t, 0, w.calls)
}

func TestParser_UnresolvedRowWritesNothing(t *testing.T) {
	body := `[{"hour.value":"2024-03-10T01:00:00","campaign.id":1,"adGroup.id":10,"target.value":"unknown","target.matchType":"BROAD",
		"metric.impressions":1,"metric.clicks":0,"metric.spend":0,"metric.sales":0,"metric.orders":0}]`
	w := &fakeWriter{}
	p := NewParser(Config{Downloader: &fakeDownloader{body: []byte(body)}, Lookup: targetLookup(), Writer: w})

	_, err := p.Process(context.Background(), hourlyTargetTuple(), completed("u"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeResolutionNoEntity))
	assert.Equal(t, 0, w.calls)
}

func TestParser_NoDownloadURL(t *testing.T) {
	dl := &fakeDownloader{}
	p := NewParser(Config{Downloader: dl, Lookup: targetLookup(), Writer: &fakeWriter{}})

	_, err := p.Process(context.Background(), hourlyTargetTuple(), completed(""))
	assert.True(t, types.IsCode(err, types.ErrCodeNoDownloadURL))
	assert.Empty(t, dl.urls)
}

func TestParser_PrefersPartURL(t *testing.T) {
	dl := &fakeDownloader{body: []byte(`[]`)}
	p := NewParser(Config{Downloader: dl, Lookup: targetLookup(), Writer: &fakeWriter{}})

	status := completed("https://dl/top")
	status.Parts = []types.ReportPart{{URL: "https://dl/part-0"}}
	n, err := p.Process(context.Background(), hourlyTargetTuple(), status)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"https://dl/part-0"}, dl.urls)
}

func TestParser_NotAnArray(t *testing.T) {
	p := NewParser(Config{Downloader: &fakeDownloader{body: []byte(`{"rows":[]}`)}, Lookup: targetLookup(), Writer: &fakeWriter{}})

	_, err := p.Process(context.Background(), hourlyTargetTuple(), completed("u"))
	assert.True(t, types.IsCode(err, types.ErrCodeValidationReportPayload))
}

func TestParser_DownloadErrorPropagates(t *testing.T) {
	dl := &fakeDownloader{err: types.NewAppError(types.ErrCodeUpstreamDownload, "gone", nil)}
	p := NewParser(Config{Downloader: dl, Lookup: targetLookup(), Writer: &fakeWriter{}})

	_, err := p.Process(context.Background(), hourlyTargetTuple(), completed("u"))
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamDownload))
}
