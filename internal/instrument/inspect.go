package instrument

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"saxo-trader/internal/broker"
)

const bulkParallel = 4

// RootReport 描述一个检索结果及其期权根情况。
type RootReport struct {
	Query          string `json:"symbol_query,omitempty"`
	Identifier     int    `json:"identifier"`
	Symbol         string `json:"symbol"`
	Description    string `json:"description"`
	AssetType      string `json:"asset_type"`
	ExchangeID     string `json:"exchange_id"`
	HasOptionRoots bool   `json:"has_option_roots"`
	RootCount      int    `json:"root_count"`
	Error          string `json:"error,omitempty"`
}

// SpaceReport 为首个带期权根的标的及其期权空间原文。
type SpaceReport struct {
	Instrument broker.InstrumentHit `json:"instrument"`
	RootID     int                  `json:"option_root_id"`
	Space      json.RawMessage      `json:"space"`
}

// BulkReport 为单个代码的批量检查结果。
type BulkReport struct {
	Symbol  string       `json:"symbol"`
	HasAny  bool         `json:"has_any_option_roots"`
	Results []RootReport `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Inspect 列出代码的全部检索结果及其期权根数量，单个结果出错不影响其他结果。
func (r *Resolver) Inspect(ctx context.Context, symbol string) ([]RootReport, error) {
	hits, err := r.broker.SearchInstruments(ctx, symbol, r.cfg.AssetTypes)
	if err != nil {
		return nil, fmt.Errorf("instrument: 检索 %s 失败: %w", symbol, err)
	}

	reports := make([]RootReport, 0, len(hits))
	for _, hit := range hits {
		report := RootReport{
			Identifier:  hit.Uic,
			Symbol:      hit.Symbol,
			Description: hit.Description,
			AssetType:   hit.AssetType,
			ExchangeID:  hit.ExchangeID,
		}
		details, err := r.broker.InstrumentDetails(ctx, hit.Uic, hit.AssetType)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.RootCount = len(OptionRoots(details))
			report.HasOptionRoots = report.RootCount > 0
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// OptionSpace 返回首个带期权根的检索结果在指定到期日的期权空间。
func (r *Resolver) OptionSpace(ctx context.Context, symbol, expiry string) (SpaceReport, error) {
	hits, err := r.broker.SearchInstruments(ctx, symbol, r.cfg.AssetTypes)
	if err != nil {
		return SpaceReport{}, fmt.Errorf("instrument: 检索 %s 失败: %w", symbol, err)
	}

	for _, hit := range hits {
		details, err := r.broker.InstrumentDetails(ctx, hit.Uic, hit.AssetType)
		if err != nil {
			continue
		}
		roots := OptionRoots(details)
		if len(roots) == 0 {
			continue
		}
		space, err := r.broker.OptionSpace(ctx, roots[0], expiry)
		if err != nil {
			r.logger.Debug("读取期权空间失败", zap.Int("root_id", roots[0]), zap.Error(err))
			continue
		}
		return SpaceReport{Instrument: hit, RootID: roots[0], Space: json.RawMessage(space.Raw)}, nil
	}
	return SpaceReport{}, fmt.Errorf("%w: %s 没有可用的期权根或期权空间", ErrNoMatchingInstrument, symbol)
}

// BulkRoots 并发检查多个代码是否存在期权根，结果顺序与输入一致。
func (r *Resolver) BulkRoots(ctx context.Context, symbols []string) []BulkReport {
	reports := make([]BulkReport, len(symbols))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(bulkParallel)

	for i, symbol := range symbols {
		i, symbol := i, symbol
		group.Go(func() error {
			report := BulkReport{Symbol: symbol}
			rows, err := r.Inspect(groupCtx, symbol)
			if err != nil {
				report.Error = err.Error()
			}
			for j := range rows {
				rows[j].Query = symbol
				report.HasAny = report.HasAny || rows[j].HasOptionRoots
			}
			report.Results = rows
			reports[i] = report
			return nil
		})
	}
	_ = group.Wait()
	return reports
}
