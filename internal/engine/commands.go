package engine

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidTimeframe is returned for codes the gateway does not serve.
	ErrInvalidTimeframe = errors.New("engine: timeframe not supported by exchange")
	// ErrUnknownCommand is returned for unrecognised command types.
	ErrUnknownCommand = errors.New("engine: unknown command")
	// ErrStopped is returned when a command arrives after Close.
	ErrStopped = errors.New("engine: controller stopped")
)

// CommandType names a control message kind.
type CommandType string

const (
	CmdTimeframe      CommandType = "timeframe"
	CmdStart          CommandType = "start"
	CmdStop           CommandType = "stop"
	CmdAddPair        CommandType = "add_pair"
	CmdActivatePair   CommandType = "activate_pair"
	CmdDeactivatePair CommandType = "deactivate_pair"
	CmdRemovePair     CommandType = "remove_pair"
	CmdStatus         CommandType = "status"
)

// Command is an inbound control message.
type Command struct {
	Type      CommandType `json:"type"`
	Timeframe string      `json:"timeframe,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
}

// Validate checks the shape of cmd without touching engine state.
func (c Command) Validate() error {
	switch c.Type {
	case CmdStart, CmdStop, CmdStatus:
		return nil
	case CmdTimeframe:
		if strings.TrimSpace(c.Timeframe) == "" {
			return errors.New("timeframe is required")
		}
		return nil
	case CmdAddPair, CmdActivatePair, CmdDeactivatePair, CmdRemovePair:
		if strings.TrimSpace(c.Symbol) == "" {
			return errors.New("symbol is required")
		}
		return nil
	default:
		return ErrUnknownCommand
	}
}

// Ack values.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Ack acknowledges a command.
type Ack struct {
	Type   CommandType `json:"type,omitempty"`
	Ack    string      `json:"ack"`
	Reason string      `json:"reason,omitempty"`
}

// OK reports whether the command took effect.
func (a Ack) OK() bool { return a.Ack == AckOK }

func ok(t CommandType) Ack { return Ack{Type: t, Ack: AckOK} }

func fail(t CommandType, err error) Ack {
	return Ack{Type: t, Ack: AckError, Reason: err.Error()}
}
