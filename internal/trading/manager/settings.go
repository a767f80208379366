package manager

import (
	"fmt"

	"gridmaker/internal/config"
	"gridmaker/internal/core"
	"gridmaker/internal/trading/grid"

	"github.com/shopspring/decimal"
)

// SideCount is a per-side integer target
type SideCount struct {
	Buy  int
	Sell int
}

// Get returns the count for a side
func (c SideCount) Get(t core.OrderType) int {
	if t == core.OrderTypeBuy {
		return c.Buy
	}
	return c.Sell
}

// Settings is the order manager's view of a bot configuration
type Settings struct {
	Bot        string
	Account    string
	BaseAsset  string
	QuoteAsset string

	Grid       grid.Params
	Allocation map[core.OrderType]config.Allocation

	TargetActive SideCount
	MinOrderSize core.SideAmounts

	// FeeSide is the side whose proceeds repay fees owed, empty for none
	FeeSide core.OrderType

	SpreadToleranceMultiple decimal.Decimal
	DivergenceThreshold     float64
	MatchTolerance          decimal.Decimal
}

// Precision returns the quantity precision of sizes on side t. Buy sizes
// are quote amounts, sell sizes base amounts.
func (s Settings) Precision(t core.OrderType) int {
	if t == core.OrderTypeBuy {
		return s.Grid.QuotePrecision
	}
	return s.Grid.BasePrecision
}

// SettingsFromConfig converts a validated bot configuration
func SettingsFromConfig(b config.BotConfig) (Settings, error) {
	buyAlloc, err := config.ParseAllocation(b.BotFunds.Buy)
	if err != nil {
		return Settings{}, fmt.Errorf("bot_funds.buy: %w", err)
	}
	sellAlloc, err := config.ParseAllocation(b.BotFunds.Sell)
	if err != nil {
		return Settings{}, fmt.Errorf("bot_funds.sell: %w", err)
	}

	hundred := decimal.NewFromInt(100)
	var feeSide core.OrderType
	if t := core.OrderType(b.FeeSide); t.Valid() {
		feeSide = t
	}

	pricePrecision := b.QuotePrecision + b.BasePrecision
	if pricePrecision > 16 {
		pricePrecision = 16
	}

	return Settings{
		Bot:        b.Name,
		Account:    b.Account,
		BaseAsset:  b.BaseAsset,
		QuoteAsset: b.QuoteAsset,
		Grid: grid.Params{
			StartPrice:   decimal.NewFromFloat(b.StartPrice),
			MinPrice:     decimal.NewFromFloat(b.MinPrice),
			MaxPrice:     decimal.NewFromFloat(b.MaxPrice),
			Increment:    decimal.NewFromFloat(b.IncrementPercent).Div(hundred),
			TargetSpread: decimal.NewFromFloat(b.TargetSpreadPercent).Div(hundred),
			Weight: core.SideAmounts{
				Buy:  decimal.NewFromFloat(b.WeightDistribution.Buy),
				Sell: decimal.NewFromFloat(b.WeightDistribution.Sell),
			},
			PricePrecision: pricePrecision,
			BasePrecision:  b.BasePrecision,
			QuotePrecision: b.QuotePrecision,
		},
		Allocation: map[core.OrderType]config.Allocation{
			core.OrderTypeBuy:  buyAlloc,
			core.OrderTypeSell: sellAlloc,
		},
		TargetActive: SideCount{Buy: b.ActiveOrders.Buy, Sell: b.ActiveOrders.Sell},
		MinOrderSize: core.SideAmounts{
			Buy:  decimal.NewFromFloat(b.MinOrderSize.Buy),
			Sell: decimal.NewFromFloat(b.MinOrderSize.Sell),
		},
		FeeSide:                 feeSide,
		SpreadToleranceMultiple: decimal.NewFromFloat(b.SpreadToleranceMultiple),
		DivergenceThreshold:     b.DivergenceThresholdPercent,
		MatchTolerance:          decimal.NewFromFloat(b.MatchTolerancePercent).Div(hundred),
	}, nil
}
