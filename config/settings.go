package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BillingSettings holds the deployment-level billing configuration. Values
// resolve from the environment and are cached in redis; tests inject their
// own provider via SetSettingsProvider.
type BillingSettings struct {
	OrderPrefix     string
	InvoicePrefix   string
	ReceiptPrefix   string
	Currency        string
	InvoiceDueDays  int
	DefaultTaxRate  decimal.Decimal
	WebhookProvider string
}

type SettingsProvider interface {
	GetBillingSettings() BillingSettings
}

const settingsCacheKey = "BillingSettings"

func settingsCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

// envSettingsProvider reads through the redis cache. A miss (or no redis)
// falls back to the environment and repopulates the cache.
type envSettingsProvider struct{}

func (p *envSettingsProvider) GetBillingSettings() BillingSettings {
	var cached BillingSettings
	if exists, err := GetRedisObject(settingsCacheKey, &cached); err == nil && exists {
		return cached
	}

	settings := BillingSettings{
		OrderPrefix:     envOrDefault("BILLING_ORDER_PREFIX", "ORD"),
		InvoicePrefix:   envOrDefault("BILLING_INVOICE_PREFIX", "INV"),
		ReceiptPrefix:   envOrDefault("BILLING_RECEIPT_PREFIX", "RCP"),
		Currency:        envOrDefault("BILLING_CURRENCY", "USD"),
		InvoiceDueDays:  envIntOrDefault("BILLING_INVOICE_DUE_DAYS", 30),
		DefaultTaxRate:  envDecimalOrDefault("BILLING_DEFAULT_TAX_RATE", decimal.Zero),
		WebhookProvider: envOrDefault("BILLING_WEBHOOK_PROVIDER", "stripe"),
	}
	_ = SetRedisObject(settingsCacheKey, settings, settingsCacheLifespan())
	return settings
}

var (
	settingsMu       sync.RWMutex
	settingsProvider SettingsProvider = &envSettingsProvider{}
)

func GetSettings() BillingSettings {
	settingsMu.RLock()
	p := settingsProvider
	settingsMu.RUnlock()
	return p.GetBillingSettings()
}

// SetSettingsProvider swaps the provider. Intended for tests.
func SetSettingsProvider(p SettingsProvider) {
	settingsMu.Lock()
	settingsProvider = p
	settingsMu.Unlock()
}

// RefreshSettings drops the cached settings snapshot; the next read resolves
// fresh values. Exposed through the internal ops endpoint.
func RefreshSettings() error {
	return RemoveRedisKey(settingsCacheKey)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDecimalOrDefault(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
