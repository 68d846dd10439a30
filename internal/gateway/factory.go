package gateway

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"resonance-trader/pkg/config"
	exspot "resonance-trader/pkg/exchanges/binance/spot"
	exchange "resonance-trader/pkg/exchanges/common"
	"resonance-trader/pkg/exchanges/paper"
)

// Build creates the raw gateway selected by cfg. Live mode without credentials
// falls back to paper trading. The returned mode is the one actually in effect.
func Build(cfg *config.Config, logger *zap.Logger) (exchange.Gateway, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mode := cfg.TradingMode
	if mode == config.ModeLive && !cfg.HasCredentials() {
		logger.Warn("live trading requested without API credentials, falling back to paper mode")
		mode = config.ModePaper
	}

	switch mode {
	case config.ModePaper:
		return paper.New(paper.Config{
			InitialBalance: cfg.InitialBalance,
			FeeRate:        cfg.PaperFeeRate,
			SlippageBps:    cfg.PaperSlippageBps,
		}, logger), mode, nil

	case config.ModeLive:
		switch cfg.Exchange {
		case "binance-spot", "binance-testnet":
			return exspot.New(exspot.Config{
				APIKey:    cfg.BinanceAPIKey,
				APISecret: cfg.BinanceAPISecret,
				Testnet:   cfg.BinanceTestnet || cfg.Exchange == "binance-testnet",
				Timeout:   time.Duration(cfg.GatewayTimeoutMs) * time.Millisecond,
			}, logger), mode, nil
		default:
			return nil, mode, fmt.Errorf("unsupported exchange type: %s", cfg.Exchange)
		}

	default:
		return nil, mode, fmt.Errorf("unsupported trading mode: %s", cfg.TradingMode)
	}
}

// New builds the configured gateway wrapped with retries and a once-only Close.
func New(cfg *config.Config, logger *zap.Logger, onRetry func(op string)) (*Resilient, string, error) {
	raw, mode, err := Build(cfg, logger)
	if err != nil {
		return nil, mode, err
	}
	return NewResilient(raw, RetryConfig{
		MaxRetries: cfg.GatewayMaxRetries,
		BaseDelay:  time.Duration(cfg.GatewayRetryBaseMs) * time.Millisecond,
		OnRetry:    onRetry,
	}, logger), mode, nil
}
