package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/storage"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// computeDiff runs all three adjustment policies (spec §4.6 a/b/c) over
// the positions closed since the last run and the Config Store's
// current rows, returning every mutation to apply (or log, for a dry
// run) in one pass.
func computeDiff(closed []*storage.Position, weights []storage.ScoringWeightRow, riskParams []storage.SymbolRiskParams, ratings []storage.SymbolRating) diff {
	var d diff
	d.weights = computeWeightChanges(closed, weights)
	d.weightRows = weights
	riskUpdates, ratingUpdates, blacklist, riskLog := computeRiskChanges(closed, riskParams, ratingsBySymbol(ratings))
	d.riskParams = riskUpdates
	d.ratings = ratingUpdates
	d.blacklist = blacklist
	d.riskLog = riskLog
	d.signals = computeSignalBlacklist(closed)
	return d
}

func ratingsBySymbol(ratings []storage.SymbolRating) map[string]storage.SymbolRating {
	out := make(map[string]storage.SymbolRating, len(ratings))
	for _, r := range ratings {
		out[r.Symbol] = r
	}
	return out
}

// --- (a) scoring weight adjustments ---

type componentStats struct {
	perf   float64
	trades int
}

// computeWeightChanges aggregates each component's pnl contribution per
// side across closed positions and applies the step policy (spec
// §4.6a). Both sides of every touched component are emitted (even when
// one side is unchanged) so the caller always has a complete
// long/short pair to write back without clobbering the untouched side.
func computeWeightChanges(closed []*storage.Position, weights []storage.ScoringWeightRow) []WeightChange {
	long := map[string]*componentStats{}
	short := map[string]*componentStats{}

	for _, pos := range closed {
		if len(pos.Components) == 0 {
			continue
		}
		totalWeight := 0
		for _, w := range pos.Components {
			totalWeight += w
		}
		if totalWeight == 0 {
			continue
		}
		pnl, _ := pos.RealizedPnL.Float64()
		bucket := long
		if pos.Side == storage.SideShort {
			bucket = short
		}
		for name, w := range pos.Components {
			s, ok := bucket[name]
			if !ok {
				s = &componentStats{}
				bucket[name] = s
			}
			contribution := pnl * (float64(w) / float64(totalWeight))
			s.perf += contribution
			s.trades++
		}
	}

	byName := make(map[string]storage.ScoringWeightRow, len(weights))
	for _, w := range weights {
		byName[w.ComponentName] = w
	}

	var changes []WeightChange
	for _, row := range weights {
		if ls, ok := long[row.ComponentName]; ok && ls.trades >= minComponentTrades {
			newWeight := clampWeight(row.WeightLong + weightStep(ls.perf))
			changes = append(changes, WeightChange{Component: row.ComponentName, Side: "long", Old: row.WeightLong, New: newWeight, Perf: ls.perf})
		}
		if ss, ok := short[row.ComponentName]; ok && ss.trades >= minComponentTrades {
			newWeight := clampWeight(row.WeightShort + weightStep(ss.perf))
			changes = append(changes, WeightChange{Component: row.ComponentName, Side: "short", Old: row.WeightShort, New: newWeight, Perf: ss.perf})
		}
	}
	return changes
}

// weightStep maps a performance score to a weight delta (spec §4.6a).
func weightStep(perf float64) int {
	switch {
	case perf > 10:
		return weightStepUp2
	case perf > 5:
		return weightStepUp1
	case perf < -10:
		return weightStepDown2
	case perf < -5:
		return weightStepDown1
	default:
		return 0
	}
}

func clampWeight(w int) int {
	if w < weightMin {
		return weightMin
	}
	if w > weightMax {
		return weightMax
	}
	return w
}

// --- (b) per-symbol risk-param adjustments ---

type symbolStats struct {
	trades int
	wins   int
	pnl    float64
}

// computeRiskChanges aggregates win-rate/pnl per symbol over the closed
// window and applies spec §4.6b's three rules: widen stop-loss and cut
// sizing on sustained poor performance, blacklist on severe losses, or
// restore the rating one level on sustained strong performance.
func computeRiskChanges(closed []*storage.Position, riskParams []storage.SymbolRiskParams, ratings map[string]storage.SymbolRating) ([]storage.SymbolRiskParams, []storage.SymbolRating, []string, []RiskChange) {
	bySymbol := map[string]*symbolStats{}
	for _, pos := range closed {
		s, ok := bySymbol[pos.Symbol]
		if !ok {
			s = &symbolStats{}
			bySymbol[pos.Symbol] = s
		}
		pnl, _ := pos.RealizedPnL.Float64()
		s.trades++
		s.pnl += pnl
		if pnl > 0 {
			s.wins++
		}
	}

	paramsBySymbol := make(map[string]storage.SymbolRiskParams, len(riskParams))
	for _, p := range riskParams {
		paramsBySymbol[p.Symbol] = p
	}

	var paramUpdates []storage.SymbolRiskParams
	var ratingUpdates []storage.SymbolRating
	var blacklist []string
	var log []RiskChange

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		s := bySymbol[symbol]
		winRate := 0.0
		if s.trades > 0 {
			winRate = 100 * float64(s.wins) / float64(s.trades)
		}

		if s.pnl < blacklistPnLFloor && s.trades >= blacklistMinTrades {
			blacklist = append(blacklist, symbol)
			log = append(log, RiskChange{Symbol: symbol, Kind: "blacklist", Detail: fmt.Sprintf("total_pnl=%.2f over %d trades", s.pnl, s.trades)})
			continue
		}

		if winRate < lowWinRatePct && s.pnl < 0 {
			p := currentOrDefaultParams(symbol, paramsBySymbol)
			p.LongSLPct += slWidenStepPct
			p.ShortSLPct += slWidenStepPct
			p.PositionMultiplier = maxFloat(p.PositionMultiplier/2, positionMultFloor)
			p.WinRate = winRate
			p.TotalTrades = s.trades
			p.TotalPnL = decimalFromFloat(s.pnl)
			p.Active = true
			paramUpdates = append(paramUpdates, p)
			log = append(log, RiskChange{Symbol: symbol, Kind: "widen_stop", Detail: fmt.Sprintf("win_rate=%.1f%% total_pnl=%.2f", winRate, s.pnl)})
			continue
		}

		if winRate >= restoreWinRatePct && s.pnl > restorePnLFloor {
			rating, ok := ratings[symbol]
			if !ok {
				rating = storage.SymbolRating{Symbol: symbol, Level: 0}
			}
			if rating.Level > 0 {
				rating.Level--
				rating.TotalPnL = decimalFromFloat(s.pnl)
				ratingUpdates = append(ratingUpdates, rating)
				log = append(log, RiskChange{Symbol: symbol, Kind: "restore_rating", Detail: fmt.Sprintf("level now %d", rating.Level)})
			}
		}
	}

	return paramUpdates, ratingUpdates, blacklist, log
}

func currentOrDefaultParams(symbol string, existing map[string]storage.SymbolRiskParams) storage.SymbolRiskParams {
	if p, ok := existing[symbol]; ok {
		return p
	}
	return storage.SymbolRiskParams{
		Symbol:             symbol,
		LongTPPct:          defaultLongTPPct,
		LongSLPct:          defaultLongSLPct,
		ShortTPPct:         defaultShortTPPct,
		ShortSLPct:         defaultShortSLPct,
		PositionMultiplier: defaultPositionMult,
		Active:             true,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// --- (c) signal-blacklist additions ---

// computeSignalBlacklist aggregates win-rate/pnl per (signal_pattern,
// side) over the closed window and flags any combination meeting spec
// §4.6c's thresholds.
func computeSignalBlacklist(closed []*storage.Position) []signalBlacklistAdd {
	type key struct {
		pattern string
		side    storage.Side
	}
	stats := map[key]*symbolStats{}
	for _, pos := range closed {
		if len(pos.Components) == 0 {
			continue
		}
		k := key{pattern: patternOf(pos.Components), side: pos.Side}
		s, ok := stats[k]
		if !ok {
			s = &symbolStats{}
			stats[k] = s
		}
		pnl, _ := pos.RealizedPnL.Float64()
		s.trades++
		s.pnl += pnl
		if pnl > 0 {
			s.wins++
		}
	}

	keys := make([]key, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pattern != keys[j].pattern {
			return keys[i].pattern < keys[j].pattern
		}
		return keys[i].side < keys[j].side
	})

	var out []signalBlacklistAdd
	for _, k := range keys {
		s := stats[k]
		if s.trades < signalMinTrades {
			continue
		}
		winRate := 100 * float64(s.wins) / float64(s.trades)
		if winRate < signalWinRateLow || s.pnl <= signalPnLFloor {
			out = append(out, signalBlacklistAdd{
				pattern: k.pattern,
				side:    k.side,
				reason:  fmt.Sprintf("win_rate=%.1f%% total_pnl=%.2f over %d trades", winRate, s.pnl, s.trades),
			})
		}
	}
	return out
}

func patternOf(components map[string]int) string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}
