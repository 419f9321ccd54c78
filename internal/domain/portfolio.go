package domain

import "context"

// Portfolio holds the aggregate values a compliance rule is judged against.
type Portfolio struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenantId"`
	TotalValue        float64 `json:"totalValue"`
	CashBalance       float64 `json:"cashBalance"`
	TotalEquity       float64 `json:"totalEquity"`
	TotalFixedIncome  float64 `json:"totalFixedIncome"`
	TotalAlternatives float64 `json:"totalAlternatives"`
}

// Position is a single holding within a portfolio.
type Position struct {
	SecurityID  string  `json:"securityId"`
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	MarketValue float64 `json:"marketValue"`
	AssetClass  string  `json:"assetClass"`
	Sector      string  `json:"sector"`
}

// PortfolioSource supplies portfolio aggregates and positions for
// evaluation-context construction. The repository provides the default
// implementation; tests substitute closures.
type PortfolioSource interface {
	GetPortfolio(ctx context.Context, tenantID string, portfolioID string) (*Portfolio, error)
	GetPositions(ctx context.Context, tenantID string, portfolioID string) ([]*Position, error)
}
