package compliance

import (
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvaluationContext holds the data rule expressions resolve field
// references against. Built once per sweep and shared read-only by
// every rule evaluation in it; ForRule attaches the per-rule
// parameter section.
type EvaluationContext struct {
	Portfolio  map[string]interface{}
	Positions  []interface{}
	Metrics    map[string]interface{}
	Parameters map[string]interface{}
	Extra      map[string]interface{}
}

// NewEvaluationContext builds a context from portfolio state plus any
// request-scoped values. A nil portfolio is allowed: expressions then
// resolve entirely from the extra section.
func NewEvaluationContext(portfolio *domain.Portfolio, positions []*domain.Position, extra map[string]interface{}) *EvaluationContext {
	ec := &EvaluationContext{
		Portfolio: make(map[string]interface{}),
		Metrics:   deriveMetrics(portfolio, positions),
		Extra:     extra,
	}

	if portfolio != nil {
		ec.Portfolio = map[string]interface{}{
			"id":                portfolio.ID,
			"totalValue":        portfolio.TotalValue,
			"cashBalance":       portfolio.CashBalance,
			"totalEquity":       portfolio.TotalEquity,
			"totalFixedIncome":  portfolio.TotalFixedIncome,
			"totalAlternatives": portfolio.TotalAlternatives,
		}
	}

	ec.Positions = make([]interface{}, 0, len(positions))
	for _, p := range positions {
		ec.Positions = append(ec.Positions, map[string]interface{}{
			"securityId":  p.SecurityID,
			"symbol":      p.Symbol,
			"quantity":    p.Quantity,
			"marketValue": p.MarketValue,
			"assetClass":  p.AssetClass,
			"sector":      p.Sector,
		})
	}

	return ec
}

// ForRule returns a copy of the context with the rule's parameters
// attached. The underlying sections are shared, not copied.
func (ec *EvaluationContext) ForRule(params map[string]interface{}) *EvaluationContext {
	scoped := *ec
	scoped.Parameters = params
	return &scoped
}

// Resolve looks up a dotted field path. Paths may name a section
// explicitly (portfolio.totalValue, parameters.maxExposure) or use a
// bare name (netCapital, equityAllocation), which is searched across
// sections. A missing field resolves to nil rather than failing the
// rule; the comparison operators treat nil as a non-match.
func (ec *EvaluationContext) Resolve(path string) interface{} {
	segments := strings.Split(path, ".")

	var val interface{}
	switch segments[0] {
	case "portfolio":
		val = walk(ec.Portfolio, segments[1:])
	case "metrics":
		val = walk(ec.Metrics, segments[1:])
	case "parameters":
		val = walk(ec.Parameters, segments[1:])
	case "context":
		val = walk(ec.Extra, segments[1:])
	case "positions":
		if len(segments) == 1 {
			val = ec.Positions
		}
	default:
		val = ec.flat(segments)
	}

	if val == nil {
		slog.Debug("field not present in evaluation context", "field", path)
	}
	return val
}

// flat resolves a bare field name by searching the sections in order.
// Request-scoped values shadow portfolio state so callers can run
// what-if evaluations against hypothetical figures.
func (ec *EvaluationContext) flat(segments []string) interface{} {
	for _, section := range []map[string]interface{}{ec.Extra, ec.Portfolio, ec.Metrics, ec.Parameters} {
		if v := walk(section, segments); v != nil {
			return v
		}
	}
	return nil
}

// walk descends nested maps one segment at a time.
func walk(value interface{}, segments []string) interface{} {
	if value == nil {
		return nil
	}
	for _, seg := range segments {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil
		}
		value, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return value
}

// deriveMetrics computes the allocation and concentration figures
// exposed under the metrics section.
func deriveMetrics(portfolio *domain.Portfolio, positions []*domain.Position) map[string]interface{} {
	metrics := map[string]interface{}{
		"positionCount": len(positions),
	}

	if portfolio == nil || portfolio.TotalValue <= 0 {
		return metrics
	}
	total := portfolio.TotalValue

	metrics["equityAllocation"] = portfolio.TotalEquity / total * 100
	metrics["fixedIncomeAllocation"] = portfolio.TotalFixedIncome / total * 100
	metrics["cashAllocation"] = portfolio.CashBalance / total * 100
	metrics["alternativesAllocation"] = portfolio.TotalAlternatives / total * 100

	largest := 0.0
	sectors := make(map[string]float64)
	for _, p := range positions {
		if p.MarketValue > largest {
			largest = p.MarketValue
		}
		sectors[p.Sector] += p.MarketValue
	}

	metrics["largestPositionPct"] = largest / total * 100

	concentration := make(map[string]interface{}, len(sectors))
	for sector, value := range sectors {
		concentration[sector] = value / total * 100
	}
	metrics["sectorConcentration"] = concentration

	return metrics
}
