package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the side of a grid slot
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Opposite returns the other side of the book
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// Valid reports whether t is a known side
func (t OrderType) Valid() bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// OrderState is the lifecycle state of a grid slot
type OrderState string

const (
	OrderStateVirtual OrderState = "virtual"
	OrderStateActive  OrderState = "active"
	OrderStatePartial OrderState = "partial"
)

// OnChain reports whether a slot in this state owns a remote order
func (s OrderState) OnChain() bool {
	return s == OrderStateActive || s == OrderStatePartial
}

// OrderSlot is one rung of the ladder.
// Price and ID are fixed for the lifetime of a generated grid; Size and the
// remote binding change as orders are placed, filled and rotated.
type OrderSlot struct {
	ID      string          `json:"id"`
	Type    OrderType       `json:"type"`
	State   OrderState      `json:"state"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	OrderID string          `json:"orderId,omitempty"`

	// Dust merge bookkeeping
	IsDoubleOrder     bool            `json:"isDoubleOrder,omitempty"`
	MergedDustSize    decimal.Decimal `json:"mergedDustSize"`
	FilledSinceRefill decimal.Decimal `json:"filledSinceRefill"`

	// PendingRotation marks a slot whose remote change was confirmed but whose
	// local promotion failed. Repaired by the next refresh cycle.
	PendingRotation bool `json:"pendingRotation,omitempty"`
}

// Inconsistent reports whether the slot carries the recovery marker
func (s OrderSlot) Inconsistent() bool {
	return s.PendingRotation && s.State == OrderStateVirtual && s.OrderID == "" && s.Size.IsPositive()
}

func (s OrderSlot) String() string {
	return fmt.Sprintf("%s[%s %s@%s x%s id=%s]", s.ID, s.Type, s.State, s.Price, s.Size, s.OrderID)
}

// SideAmounts holds one amount per side. Buy amounts are denominated in the
// quote asset, sell amounts in the base asset.
type SideAmounts struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// Get returns the amount for a side
func (a SideAmounts) Get(t OrderType) decimal.Decimal {
	if t == OrderTypeBuy {
		return a.Buy
	}
	return a.Sell
}

// Set replaces the amount for a side
func (a *SideAmounts) Set(t OrderType, v decimal.Decimal) {
	if t == OrderTypeBuy {
		a.Buy = v
		return
	}
	a.Sell = v
}

// Add adds v to the amount of a side
func (a *SideAmounts) Add(t OrderType, v decimal.Decimal) {
	a.Set(t, a.Get(t).Add(v))
}

// Funds is the fund accounting view of one engine instance
type Funds struct {
	Wallet     SideAmounts     `json:"wallet"`
	Committed  SideAmounts     `json:"committed"`
	Available  SideAmounts     `json:"available"`
	CacheFunds SideAmounts     `json:"cacheFunds"`
	FeesOwed   decimal.Decimal `json:"feesOwed"`
}

// Balances is a wallet balance snapshot read from the venue
type Balances struct {
	// Free is spendable balance, Total includes amounts locked in open orders
	Free  SideAmounts
	Total SideAmounts
}

// RemoteOrder is an open order as reported by the venue. Size is the amount of
// the sold asset still for sale.
type RemoteOrder struct {
	ID    string
	Type  OrderType
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderRequest describes an order to place or the new shape of an existing one
type OrderRequest struct {
	Type           OrderType
	Price          decimal.Decimal
	Size           decimal.Decimal
	SellAssetID    string
	ReceiveAssetID string
}

// MinReceive is the minimum amount of the received asset implied by price and size
func (r OrderRequest) MinReceive() decimal.Decimal {
	if r.Type == OrderTypeSell {
		return r.Size.Mul(r.Price)
	}
	if r.Price.IsZero() {
		return decimal.Zero
	}
	return r.Size.Div(r.Price)
}

// OperationKind identifies a venue operation inside a batch
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
)

// Operation is a prebuilt venue operation, submitted through ExecuteBatch
type Operation struct {
	Kind    OperationKind
	Account string
	OrderID string
	Request OrderRequest
}

// OperationResult is the positional result of one batched operation
type OperationResult struct {
	OrderID string
	Fee     decimal.Decimal
}

// FillProcessingMode selects how fills are resolved into filled grid orders
type FillProcessingMode string

const (
	FillModeHistory    FillProcessingMode = "history"
	FillModeOpenOrders FillProcessingMode = "openOrders"
)

// FillEvent is a fill notification pushed by the venue
type FillEvent struct {
	OrderID   string          `json:"orderId"`
	BlockNum  uint64          `json:"blockNum"`
	EventID   string          `json:"eventId"`
	IsMaker   bool            `json:"isMaker"`
	Paid      decimal.Decimal `json:"paid"`
	Received  decimal.Decimal `json:"received"`
	Timestamp time.Time       `json:"timestamp"`
}

// Key uniquely identifies a fill event for deduplication
func (f FillEvent) Key() string {
	return fmt.Sprintf("%s:%d:%s", f.OrderID, f.BlockNum, f.EventID)
}

// FilledOrder is a fill resolved against the grid
type FilledOrder struct {
	Slot      OrderSlot
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Full      bool
	Fill      FillEvent
}
