package strategy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"resonance-trader/internal/indicators"
)

// Config is the typed strategy configuration loaded from YAML.
type Config struct {
	DefaultTimeframe string                `yaml:"default_timeframe"`
	KDJ              indicators.KDJParams  `yaml:"kdj"`
	MACD             indicators.MACDParams `yaml:"macd"`
	StopLoss         float64               `yaml:"stop_loss"`
	TakeProfit       float64               `yaml:"take_profit"`
	MinConfidence    float64               `yaml:"min_confidence"`
	Pairs            []string              `yaml:"pairs"`
}

// DefaultConfig mirrors the stock KDJ+MACD parameter set.
func DefaultConfig() Config {
	p := indicators.DefaultParams()
	return Config{
		KDJ:           p.KDJ,
		MACD:          p.MACD,
		StopLoss:      0.02,
		TakeProfit:    0.04,
		MinConfidence: 0.55,
	}
}

// Params returns the indicator part of the config.
func (c Config) Params() indicators.Params {
	return indicators.Params{KDJ: c.KDJ, MACD: c.MACD}
}

// LoadConfig reads path over DefaultConfig. A missing file yields the defaults.
// The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read strategy config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse strategy config: %w", err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks parameter ranges once at startup.
func (c Config) Validate() error {
	switch {
	case c.KDJ.Period <= 0 || c.KDJ.KSmooth <= 0 || c.KDJ.DSmooth <= 0:
		return fmt.Errorf("kdj periods must be positive")
	case c.KDJ.Oversold <= 0 || c.KDJ.Oversold >= c.KDJ.Overbought || c.KDJ.Overbought > 100:
		return fmt.Errorf("kdj thresholds must satisfy 0 < oversold < overbought <= 100")
	case c.MACD.Fast <= 0 || c.MACD.Slow <= 0 || c.MACD.Signal <= 0:
		return fmt.Errorf("macd periods must be positive")
	case c.MACD.Fast >= c.MACD.Slow:
		return fmt.Errorf("macd fast period must be less than slow period")
	case c.StopLoss <= 0 || c.StopLoss >= 1:
		return fmt.Errorf("stop_loss must be between 0 and 1")
	case c.TakeProfit <= 0 || c.TakeProfit >= 1:
		return fmt.Errorf("take_profit must be between 0 and 1")
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	return nil
}
