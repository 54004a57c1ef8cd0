package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// ValidateConfig checks the struct tags then the cross-field rules that
// tags can't express: stop_loss and quantity must be positive, and
// buy_time must precede sell_time on the same trading day.
func ValidateConfig(cfg StrategyConfig) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	if cfg.StopLoss <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrStopLossRequired)
	}
	if cfg.Quantity <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrQuantityRequired)
	}
	if !cfg.BuyTime.Before(cfg.SellTime) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrBuyNotBeforeSell)
	}
	return nil
}
