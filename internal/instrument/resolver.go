package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/config"
	"saxo-trader/internal/strategy"
)

// ErrNoMatchingInstrument 表示无法找到符合计划的期权合约。
var ErrNoMatchingInstrument = errors.New("instrument: no matching option contract")

const defaultOptionAssetType = "StockOption"

// Broker 为检索期权合约所需的券商端点。
type Broker interface {
	SearchInstruments(ctx context.Context, keywords, assetTypes string) ([]broker.InstrumentHit, error)
	InstrumentDetails(ctx context.Context, uic int, assetType string) (gjson.Result, error)
	OptionSpace(ctx context.Context, rootID int, expiry string) (gjson.Result, error)
}

// Instrument 为解析出的可交易期权合约。
type Instrument struct {
	Uic        int              `json:"uic"`
	AssetType  string           `json:"asset_type"`
	Underlying string           `json:"underlying"`
	RootID     int              `json:"option_root_id"`
	Expiry     time.Time        `json:"-"`
	Strike     float64          `json:"strike"`
	PutCall    strategy.PutCall `json:"put_call"`
}

// ExpiryDate 返回 YYYY-MM-DD 格式的到期日。
func (i Instrument) ExpiryDate() string {
	return i.Expiry.Format(time.DateOnly)
}

// MarshalJSON 在输出中保留到期日字符串。
func (i Instrument) MarshalJSON() ([]byte, error) {
	type alias Instrument
	return json.Marshal(struct {
		alias
		Expiry string `json:"expiry"`
	}{alias: alias(i), Expiry: i.ExpiryDate()})
}

// Resolver 将 (标的, 到期日, 行权价, 方向) 解析为具体合约。
type Resolver struct {
	broker Broker
	cfg    config.InstrumentConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	instrument Instrument
	expires    time.Time
}

// NewResolver 创建合约解析器。
func NewResolver(b Broker, cfg config.InstrumentConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AssetTypes == "" {
		cfg.AssetTypes = "Stock,Etf"
	}
	if cfg.MaxStrikeDeviationPct <= 0 {
		cfg.MaxStrikeDeviationPct = 0.25
	}
	return &Resolver{
		broker: b,
		cfg:    cfg,
		logger: logger.Named("instrument"),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

type candidate struct {
	Instrument
	expiryDistance int
	strikeDiff     float64
}

// FindOption 查找最接近计划的期权合约。优先到期日距离最小，其次行权价差最小，
// 再按到期日更早、Uic 更小决出唯一结果。
func (r *Resolver) FindOption(ctx context.Context, underlying string, expiry time.Time, strike float64, right strategy.PutCall) (Instrument, error) {
	key := cacheKey(underlying, expiry, strike, right)
	if inst, ok := r.cached(key); ok {
		return inst, nil
	}

	hits, err := r.search(ctx, underlying)
	if err != nil {
		return Instrument{}, err
	}

	roots := r.collectRoots(ctx, hits)
	if len(roots) == 0 {
		return Instrument{}, fmt.Errorf("%w: %s 没有期权根", ErrNoMatchingInstrument, underlying)
	}

	expiryDate := expiry.Format(time.DateOnly)
	var candidates []candidate
	var spaceErr error
	for _, root := range roots {
		space, err := r.broker.OptionSpace(ctx, root, expiryDate)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Instrument{}, ctxErr
			}
			spaceErr = err
			r.logger.Warn("读取期权空间失败", zap.Int("root_id", root), zap.Error(err))
			continue
		}
		candidates = append(candidates, r.contracts(space, underlying, root, expiry, strike, right)...)
	}

	if len(candidates) == 0 {
		if spaceErr != nil {
			return Instrument{}, fmt.Errorf("%w: %s %s %s %g 附近没有合约: %w", ErrNoMatchingInstrument, underlying, expiryDate, right, strike, spaceErr)
		}
		return Instrument{}, fmt.Errorf("%w: %s %s %s %g 附近没有合约", ErrNoMatchingInstrument, underlying, expiryDate, right, strike)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.expiryDistance != b.expiryDistance {
			return a.expiryDistance < b.expiryDistance
		}
		if a.strikeDiff != b.strikeDiff {
			return a.strikeDiff < b.strikeDiff
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		return a.Uic < b.Uic
	})

	best := candidates[0].Instrument
	r.logger.Info("已解析期权合约",
		zap.String("underlying", underlying),
		zap.String("expiry", best.ExpiryDate()),
		zap.Float64("strike", best.Strike),
		zap.String("put_call", string(best.PutCall)),
		zap.Int("uic", best.Uic),
		zap.Int("candidates", len(candidates)),
	)
	r.store(key, best)
	return best, nil
}

func (r *Resolver) search(ctx context.Context, underlying string) ([]broker.InstrumentHit, error) {
	hits, err := r.broker.SearchInstruments(ctx, underlying, r.cfg.AssetTypes)
	if err != nil {
		return nil, fmt.Errorf("%w: 检索 %s 失败: %w", ErrNoMatchingInstrument, underlying, err)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("%w: %s 无检索结果", ErrNoMatchingInstrument, underlying)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return exactSymbol(hits[i], underlying) && !exactSymbol(hits[j], underlying)
	})
	return hits, nil
}

func (r *Resolver) collectRoots(ctx context.Context, hits []broker.InstrumentHit) []int {
	seen := make(map[int]struct{})
	var roots []int
	for _, hit := range hits {
		details, err := r.broker.InstrumentDetails(ctx, hit.Uic, hit.AssetType)
		if err != nil {
			r.logger.Warn("读取标的详情失败", zap.Int("uic", hit.Uic), zap.Error(err))
			continue
		}
		for _, id := range OptionRoots(details) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			roots = append(roots, id)
		}
	}
	return roots
}

func (r *Resolver) contracts(space gjson.Result, underlying string, root int, target time.Time, strike float64, right strategy.PutCall) []candidate {
	assetType := space.Get("AssetType").String()
	if assetType == "" {
		assetType = defaultOptionAssetType
	}
	target = truncateDay(target)

	var out []candidate
	for _, entry := range space.Get("OptionSpace").Array() {
		expiry, ok := parseExpiry(entry.Get("Expiry").String())
		if !ok {
			continue
		}
		distance := daysBetween(expiry, target)
		if distance > r.cfg.MaxExpiryDistanceDays {
			continue
		}

		for _, opt := range entry.Get("SpecificOptions").Array() {
			if !strings.EqualFold(opt.Get("PutCall").String(), string(right)) {
				continue
			}
			uic := opt.Get("Uic")
			price := opt.Get("StrikePrice")
			if !uic.Exists() || price.Type != gjson.Number {
				continue
			}
			diff := math.Abs(price.Float() - strike)
			if strike > 0 && diff/strike > r.cfg.MaxStrikeDeviationPct {
				continue
			}
			out = append(out, candidate{
				Instrument: Instrument{
					Uic:        int(uic.Int()),
					AssetType:  assetType,
					Underlying: underlying,
					RootID:     root,
					Expiry:     expiry,
					Strike:     price.Float(),
					PutCall:    right,
				},
				expiryDistance: distance,
				strikeDiff:     diff,
			})
		}
	}
	return out
}

// OptionRoots 从标的详情中提取期权根 ID，兼容增强格式、纯数字与对象数组。
func OptionRoots(details gjson.Result) []int {
	var ids []int
	for _, root := range details.Get("RelatedOptionRootsEnhanced").Array() {
		if id := root.Get("OptionRootId"); id.Exists() {
			ids = append(ids, int(id.Int()))
		}
	}
	if len(ids) > 0 {
		return ids
	}

	for _, root := range details.Get("RelatedOptionRoots").Array() {
		switch {
		case root.Type == gjson.Number:
			ids = append(ids, int(root.Int()))
		case root.IsObject():
			for _, field := range []string{"OptionRootId", "Id"} {
				if id := root.Get(field); id.Exists() {
					ids = append(ids, int(id.Int()))
					break
				}
			}
		}
	}
	return ids
}

func (r *Resolver) cached(key string) (Instrument, bool) {
	if r.cfg.CacheTTL <= 0 {
		return Instrument{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return Instrument{}, false
	}
	if r.now().After(entry.expires) {
		delete(r.cache, key)
		return Instrument{}, false
	}
	return entry.instrument, true
}

func (r *Resolver) store(key string, inst Instrument) {
	if r.cfg.CacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{instrument: inst, expires: r.now().Add(r.cfg.CacheTTL)}
}

func cacheKey(underlying string, expiry time.Time, strike float64, right strategy.PutCall) string {
	return fmt.Sprintf("%s|%s|%g|%s", strings.ToUpper(underlying), expiry.Format(time.DateOnly), strike, right)
}

func exactSymbol(hit broker.InstrumentHit, underlying string) bool {
	symbol, _, _ := strings.Cut(hit.Symbol, ":")
	return strings.EqualFold(symbol, underlying)
}

func parseExpiry(raw string) (time.Time, bool) {
	if len(raw) < len(time.DateOnly) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	days := int(truncateDay(a).Sub(truncateDay(b)).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
