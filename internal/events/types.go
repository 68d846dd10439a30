package events

import "time"

// Event enumerates topics published inside the trader.
type Event string

const (
	// EventStatus carries a fresh status snapshot for websocket subscribers.
	EventStatus Event = "status"
	// EventSignal carries every evaluated signal, NONE included.
	EventSignal Event = "signal"
	// EventOrderUpdate is published on every order state transition.
	EventOrderUpdate Event = "order.update"
	// EventFill is published for each execution applied to the portfolio.
	EventFill Event = "order.fill"
	// EventRiskBlocked is published when an entry is downgraded by a limit.
	EventRiskBlocked Event = "risk.blocked"
)

// RiskBlock is the payload of EventRiskBlocked.
type RiskBlock struct {
	Symbol string    `json:"symbol"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
