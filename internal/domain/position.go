package domain

import "time"

// Position represents a tracked stock holding driven through the
// pending -> buying -> open -> selling -> liquidated lifecycle.
// All prices are integer Korean won.
type Position struct {
	ID           int64          // Unique identifier (assigned by the repository)
	Symbol       string         // 6-digit stock code (e.g. "005930")
	Name         string         // Display name of the stock
	Quantity     int64          // Number of shares held (0 until the buy fills)
	AvgPrice     int64          // Average acquisition price per share
	TargetPrice  int64          // Analyst target price (informational)
	StopPrice    int64          // Analyst stop price (informational)
	Status       PositionStatus // Current lifecycle status
	CreatedAt    time.Time      // When the pending position was created
	FilledAt     time.Time      // When the buy order filled (zero until open)
	LiquidatedAt time.Time      // When the position was liquidated (zero until then)
}

// IsOpen checks if the position currently holds shares.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// ProfitRate returns the unrealized profit rate in percent against the
// average acquisition price. Returns 0 when no fill has been recorded.
func (p *Position) ProfitRate(currentPrice int64) float64 {
	if p.AvgPrice == 0 {
		return 0
	}
	return float64(currentPrice-p.AvgPrice) / float64(p.AvgPrice) * 100
}

// AnalysisSignal is the upstream fact the decision pipeline consumes:
// an analyzer's probability score for a symbol together with its
// suggested price levels.
type AnalysisSignal struct {
	Symbol      string
	Name        string
	Probability int // 0-100
	TargetPrice int64
	StopPrice   int64
}
