package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// BillingConfig carries the deployment-tunable conversion constants. Values
// are snapshots: readers call Holder.Get() once per operation so a reload
// never changes rates mid-calculation.
type BillingConfig struct {
	// CreditsPerUSD converts vendor cost in USD into platform credits.
	CreditsPerUSD float64 `mapstructure:"creditsPerUsd"`
	// CreditPrecision is the fractional-credit precision (decimal places)
	// charges are rounded up to.
	CreditPrecision int32 `mapstructure:"creditPrecision"`
	// DefaultMarginMultiplier is applied when no margin config matches.
	// Resolving to it is logged as a warning: it usually means zero margin.
	DefaultMarginMultiplier float64 `mapstructure:"defaultMarginMultiplier"`
	// PriceAlertThresholdPct is the absolute vendor price change percentage
	// above which a price-change alert event is emitted.
	PriceAlertThresholdPct float64 `mapstructure:"priceAlertThresholdPct"`
	// PriceCacheTTLSeconds bounds staleness of the effective-price cache.
	PriceCacheTTLSeconds int `mapstructure:"priceCacheTtlSeconds"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreditsPerUSD:           1000,
		CreditPrecision:         2,
		DefaultMarginMultiplier: 1.0,
		PriceAlertThresholdPct:  10,
		PriceCacheTTLSeconds:    300,
	}
}

// BillingModule provides the hot-reloadable billing configuration holder.
var BillingModule = fx.Provide(NewBillingConfigHolder)

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolderFrom wraps a fixed config, used by tests.
func NewBillingConfigHolderFrom(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metering/config") // Volume-mounted config
	v.AddConfigPath("/etc/metering")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.creditsPerUsd", defaults.CreditsPerUSD)
	v.SetDefault("billing.creditPrecision", defaults.CreditPrecision)
	v.SetDefault("billing.defaultMarginMultiplier", defaults.DefaultMarginMultiplier)
	v.SetDefault("billing.priceAlertThresholdPct", defaults.PriceAlertThresholdPct)
	v.SetDefault("billing.priceCacheTtlSeconds", defaults.PriceCacheTTLSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CreditsPerUSD <= 0 {
		return errors.New("billing.creditsPerUsd must be positive")
	}
	if cfg.CreditPrecision < 0 {
		return errors.New("billing.creditPrecision cannot be negative")
	}
	if cfg.DefaultMarginMultiplier <= 0 {
		return errors.New("billing.defaultMarginMultiplier must be positive")
	}
	if cfg.PriceAlertThresholdPct < 0 {
		return errors.New("billing.priceAlertThresholdPct cannot be negative")
	}
	return nil
}
