// Package signaltext extracts take-profit levels and entry ranges from free
// signal text. Everything here is a pure function of its inputs.
package signaltext

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"signalPilot/internal/domain"
)

const pricePattern = `(\d+(?:\.\d+)?)(?:\s*\(\s*(\d+(?:\.\d+)?)\s*%\s*\))?`

var (
	// TP1: 1.2050 (25%)
	numberedTPRe = regexp.MustCompile(`(?i)\b(?:tp|take[\s_-]*profit)\s*(\d{1,2})(?:\s*[:=@-]\s*|\s+)` + pricePattern)
	// TP: 1.2050, 1.2080
	listLabelRe = regexp.MustCompile(`(?i)\b(?:tps?|take[\s_-]*profits?|targets?)\s*[:=@-]?\s*`)
	// Where a plain list stops
	listStopRe = regexp.MustCompile(`(?i)\b(?:sl|stop|entry|buy|sell)\b|\n`)
	listItemRe = regexp.MustCompile(`^\s*` + pricePattern + `\s*$`)
)

type rawLevel struct {
	price float64
	pct   float64 // 0 when not annotated
}

// ParseLevelsFromText reads take-profit levels from signal text. It accepts
// "TP1: x TP2: y", a comma-separated list and "(pct%)" annotations. Levels on
// the wrong side of entry for side are discarded. The result is ordered by
// distance from entry and renumbered from 1; the last level closes everything.
func ParseLevelsFromText(text, symbol string, side domain.OrderSide, entryPrice float64) []domain.TPLevel {
	raw := parseNumbered(text)
	if len(raw) == 0 {
		raw = parseList(text)
	}

	kept := raw[:0]
	seen := make(map[float64]bool)
	for _, r := range raw {
		r.price = domain.RoundPrice(symbol, r.price)
		if entryPrice > 0 && (r.price == entryPrice || !domain.PriceReached(side, r.price, entryPrice)) {
			continue
		}
		if seen[r.price] {
			continue
		}
		seen[r.price] = true
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return nil
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if side == domain.Sell {
			return kept[i].price > kept[j].price
		}
		return kept[i].price < kept[j].price
	})

	pcts := percentages(kept)
	levels := make([]domain.TPLevel, len(kept))
	for i, r := range kept {
		action := domain.TPPartialClose
		if i == len(kept)-1 {
			action = domain.TPCloseAll
		}
		levels[i] = domain.TPLevel{
			Level:           i + 1,
			Price:           r.price,
			ClosePercentage: pcts[i],
			Status:          domain.TPPending,
			Action:          action,
		}
	}
	return levels
}

func parseNumbered(text string) []rawLevel {
	var out []rawLevel
	for _, m := range numberedTPRe.FindAllStringSubmatch(text, -1) {
		price, err := strconv.ParseFloat(m[2], 64)
		if err != nil || price <= 0 {
			continue
		}
		r := rawLevel{price: price}
		if m[3] != "" {
			r.pct, _ = strconv.ParseFloat(m[3], 64)
		}
		out = append(out, r)
	}
	return out
}

func parseList(text string) []rawLevel {
	segment := text
	if loc := listLabelRe.FindStringIndex(text); loc != nil {
		segment = text[loc[1]:]
	}
	if loc := listStopRe.FindStringIndex(segment); loc != nil {
		segment = segment[:loc[0]]
	}

	var out []rawLevel
	for _, item := range strings.FieldsFunc(segment, func(r rune) bool { return r == ',' || r == ';' || r == '|' }) {
		m := listItemRe.FindStringSubmatch(item)
		if m == nil {
			continue
		}
		price, err := strconv.ParseFloat(m[1], 64)
		if err != nil || price <= 0 {
			continue
		}
		r := rawLevel{price: price}
		if m[2] != "" {
			r.pct, _ = strconv.ParseFloat(m[2], 64)
		}
		out = append(out, r)
	}
	return out
}

// percentages turns annotations into fractions. Without a full set of
// annotations the size is split evenly and the last level takes the remainder.
// Annotations summing above 100% are scaled down proportionally.
func percentages(levels []rawLevel) []float64 {
	out := make([]float64, len(levels))
	annotated := true
	total := decimal.Zero
	for _, l := range levels {
		if l.pct <= 0 {
			annotated = false
			break
		}
		total = total.Add(decimal.NewFromFloat(l.pct))
	}

	hundred := decimal.NewFromInt(100)
	if annotated {
		scale := decimal.NewFromInt(1)
		if total.GreaterThan(hundred) {
			scale = hundred.Div(total)
		}
		for i, l := range levels {
			out[i], _ = decimal.NewFromFloat(l.pct).Mul(scale).Div(hundred).Round(4).Float64()
		}
		return out
	}

	n := decimal.NewFromInt(int64(len(levels)))
	share := decimal.NewFromInt(1).Div(n).RoundDown(4)
	assigned := decimal.Zero
	for i := range levels {
		if i == len(levels)-1 {
			out[i], _ = decimal.NewFromInt(1).Sub(assigned).Float64()
			break
		}
		out[i], _ = share.Float64()
		assigned = assigned.Add(share)
	}
	return out
}
