// Package monitor exposes Prometheus metrics and turns notable bus events
// (rejected orders, risk blocks) into operator alerts.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"resonance-trader/internal/events"
	"resonance-trader/internal/order"
)

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

// Start subscribes to the bus until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		logger.Info("monitor not fully configured; skipping")
		return
	}
	orders, unsubOrders := m.Bus.Subscribe(events.EventOrderUpdate, 64)
	blocks, unsubBlocks := m.Bus.Subscribe(events.EventRiskBlocked, 64)
	go func() {
		defer unsubOrders()
		defer unsubBlocks()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-orders:
				if !ok {
					return
				}
				m.send(logger, formatAlert(msg))
			case msg, ok := <-blocks:
				if !ok {
					return
				}
				m.send(logger, formatAlert(msg))
			}
		}
	}()
}

func (m *Monitor) send(logger *zap.Logger, text string) {
	if text == "" {
		return
	}
	if err := m.Sink.Send(text); err != nil {
		logger.Warn("alert delivery failed", zap.Error(err))
	}
}

// formatAlert returns the alert text for msg, or "" when msg is not alert-worthy.
func formatAlert(msg any) string {
	switch v := msg.(type) {
	case order.Order:
		if v.State != order.StateRejected {
			return ""
		}
		return fmt.Sprintf("[%s] order %s %s %s rejected: %s",
			v.UpdatedAt.Format(time.RFC3339), v.ID, v.Symbol, v.Side, v.Reason)
	case events.RiskBlock:
		return fmt.Sprintf("[%s] %s %s blocked by risk: %s",
			v.At.Format(time.RFC3339), v.Symbol, v.Action, v.Reason)
	default:
		return ""
	}
}
