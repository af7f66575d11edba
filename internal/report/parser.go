package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"

	"adsingest/internal/accounts"
	"adsingest/internal/eligibility"
	"adsingest/internal/types"
)

// Downloader fetches a completed report file.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// AggregateWriter persists resolved aggregate rows.
type AggregateWriter interface {
	Upsert(ctx context.Context, agg types.Aggregation, rows []types.AggregateRow) (int, error)
}

// Config wires a Parser.
type Config struct {
	Downloader Downloader
	Lookup     EntityLookup
	Writer     AggregateWriter
	Logger     *slog.Logger
}

// Parser turns a completed external report into aggregate rows.
type Parser struct {
	downloader Downloader
	lookup     EntityLookup
	writer     AggregateWriter
	logger     *slog.Logger
}

// NewParser creates a Parser.
func NewParser(cfg Config) *Parser {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		downloader: cfg.Downloader,
		lookup:     cfg.Lookup,
		writer:     cfg.Writer,
		logger:     logger,
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

// Process downloads the report described by status and upserts its rows for
// the tuple's period. Every row is validated and resolved before anything is
// written, so a bad row leaves the aggregates untouched. It returns the
// number of rows written.
func (p *Parser) Process(ctx context.Context, t *types.ReportTuple, status *types.ReportStatus) (int, error) {
	url := status.DownloadURL()
	if url == "" {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeNoDownloadURL, "completed report has no download url", nil,
			map[string]any{"report_id": status.ReportID})
	}

	loc, err := accounts.Location(t.CountryCode)
	if err != nil {
		return 0, err
	}

	body, err := p.downloader.Download(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	raws, err := decodeArray(body)
	if err != nil {
		return 0, err
	}

	rows, skipped, err := p.build(ctx, t, raws, loc)
	if err != nil {
		return 0, err
	}

	written := 0
	if len(rows) > 0 {
		written, err = p.writer.Upsert(ctx, t.Aggregation, rows)
		if err != nil {
			return 0, err
		}
	}

	p.logger.InfoContext(ctx, "report processed",
		"tuple_id", t.ID,
		"account_id", t.AccountID,
		"report_id", status.ReportID,
		"rows_total", len(raws),
		"rows_skipped", skipped,
		"rows_written", written,
	)
	return written, nil
}

// decodeArray reads a possibly gzipped JSON array of rows.
func decodeArray(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, types.NewAppError(types.ErrCodeUpstreamDownload, "failed to read report body", err)
	}

	var src io.Reader = br
	if bytes.Equal(head, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationReportPayload, "invalid gzip stream", err)
		}
		defer zr.Close()
		src = zr
	}

	var raws []json.RawMessage
	if err := json.NewDecoder(src).Decode(&raws); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationReportPayload, "report body is not a JSON array", err)
	}
	return raws, nil
}

func (p *Parser) build(ctx context.Context, t *types.ReportTuple, raws []json.RawMessage, loc *time.Location) ([]types.AggregateRow, int, error) {
	resolver := NewResolver(p.lookup, t.AccountID)
	rows := make([]types.AggregateRow, 0, len(raws))
	skipped := 0

	for i, raw := range raws {
		var (
			row    types.AggregateRow
			timeOf TimeFields
			err    error
		)
		switch t.EntityType {
		case types.EntityTarget:
			var tr TargetRow
			if err := decodeRow(i, raw, &tr); err != nil {
				return nil, 0, err
			}
			timeOf = tr.TimeFields
			row, err = p.targetRow(ctx, resolver, &tr, raw)
		case types.EntityProduct:
			var pr ProductRow
			if err := decodeRow(i, raw, &pr); err != nil {
				return nil, 0, err
			}
			timeOf = pr.TimeFields
			row, err = p.productRow(ctx, resolver, &pr, raw)
		default:
			return nil, 0, types.NewAppError(types.ErrCodeValidationReportPayload, fmt.Sprintf("unsupported entity type %q", t.EntityType), nil)
		}
		if err != nil {
			return nil, 0, err
		}

		localTime, err := timeOf.localTime(t.Aggregation)
		if err != nil {
			return nil, 0, rowError(i, raw, "missing time column", err)
		}
		bucket, err := BucketFor(t.Aggregation, localTime, loc)
		if err != nil {
			return nil, 0, rowError(i, raw, "invalid bucket time", err)
		}
		if !eligibility.SamePeriod(t.Aggregation, t.PeriodStart, bucket.Local) {
			skipped++
			continue
		}

		row.AccountID = t.AccountID
		row.BucketStart = bucket.Start
		row.BucketDate = bucket.Date
		row.BucketHour = bucket.Hour
		row.EntityType = t.EntityType
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func (p *Parser) targetRow(ctx context.Context, r *Resolver, tr *TargetRow, raw json.RawMessage) (types.AggregateRow, error) {
	id, match, err := r.ResolveTarget(ctx, tr, raw)
	if err != nil {
		return types.AggregateRow{}, err
	}
	row, err := measures(tr.MetricFields)
	if err != nil {
		return types.AggregateRow{}, err
	}
	row.EntityID = id
	row.MatchType = match
	row.AdID = string(tr.AdID)
	row.CampaignID = string(tr.CampaignID)
	row.AdGroupID = string(tr.AdGroupID)
	return row, nil
}

func (p *Parser) productRow(ctx context.Context, r *Resolver, pr *ProductRow, raw json.RawMessage) (types.AggregateRow, error) {
	id, err := r.ResolveProduct(ctx, pr, raw)
	if err != nil {
		return types.AggregateRow{}, err
	}
	row, err := measures(pr.MetricFields)
	if err != nil {
		return types.AggregateRow{}, err
	}
	row.EntityID = id
	row.AdID = string(pr.AdID)
	row.CampaignID = string(pr.CampaignID)
	row.AdGroupID = string(pr.AdGroupID)
	return row, nil
}

func measures(m MetricFields) (types.AggregateRow, error) {
	spend, err := decimal.NewFromString(m.Spend.String())
	if err != nil {
		return types.AggregateRow{}, types.NewAppError(types.ErrCodeValidationReportRow, "invalid spend", err)
	}
	sales, err := decimal.NewFromString(m.Sales.String())
	if err != nil {
		return types.AggregateRow{}, types.NewAppError(types.ErrCodeValidationReportRow, "invalid sales", err)
	}
	return types.AggregateRow{
		Impressions: *m.Impressions,
		Clicks:      *m.Clicks,
		Spend:       spend,
		Sales:       sales,
		Orders:      *m.Orders,
	}, nil
}
