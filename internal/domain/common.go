package domain

// OrderSide represents the side of a market order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionStatus represents the lifecycle status of a position.
type PositionStatus string

const (
	StatusPending    PositionStatus = "pending"
	StatusBuying     PositionStatus = "buying"
	StatusOpen       PositionStatus = "open"
	StatusSelling    PositionStatus = "selling"
	StatusLiquidated PositionStatus = "liquidated"
)

// SellReason indicates why a position was liquidated.
type SellReason string

const (
	SellReasonTakeProfit SellReason = "TAKE_PROFIT"
	SellReasonStopLoss   SellReason = "STOP_LOSS"
	SellReasonForceClose SellReason = "FORCE_CLOSE" // daily cutoff liquidation
)

// transitions is the full edge set of the position state machine.
// The only edges besides the forward path are the two rollback edges
// used when a buy or sell attempt fails.
var transitions = map[PositionStatus][]PositionStatus{
	StatusPending: {StatusBuying},
	StatusBuying:  {StatusOpen, StatusPending},
	StatusOpen:    {StatusSelling},
	StatusSelling: {StatusLiquidated, StatusOpen},
}

// CanTransition reports whether moving a position from one status to
// another is a legal edge of the state machine.
func CanTransition(from, to PositionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
