package db

import (
	"database/sql"
	"time"
)

// Setting is a durable key/value row.
type Setting struct {
	Key       string
	Value     string
	Label     string
	UpdatedAt time.Time
}

// Pair is a tradable symbol; at most one row is active.
type Pair struct {
	Symbol    string
	Active    bool
	UpdatedAt time.Time
}

// Order is the audit record of an order and its latest state.
type Order struct {
	ID              string
	Symbol          string
	Side            string
	Type            string
	Qty             float64
	Price           float64
	FilledQty       float64
	AvgPrice        float64
	Fee             float64
	State           string
	Source          string
	ExchangeOrderID string
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is an executed quantity against an order.
type Fill struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	CreatedAt time.Time
}

// DailyRisk aggregates realized results for one UTC day.
type DailyRisk struct {
	Date        string
	RealizedPnL float64
	Trades      int
	Wins        int
	Losses      float64
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
