package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                 DefaultPort,
		Env:                  DefaultEnv,
		LogLevel:             DefaultLogLevel,
		StripeWebhookSecret:  "whsec_test",
		PayInFullDiscountPct: DefaultPayInFullDiscountPct,
		MinDepositPct:        DefaultMinDepositPct,
		DeferredInstallments: DefaultDeferredInstallments,
	}
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_WebhookSecretRequiredInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.StripeWebhookSecret = ""
	assert.Error(t, cfg.Validate())

	cfg.Env = "development"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_PricingBounds(t *testing.T) {
	cfg := validConfig()
	cfg.PayInFullDiscountPct = 100
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MinDepositPct = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.DeferredInstallments = 1
	assert.Error(t, cfg.Validate())
}

func TestValidate_NotifySecretRequiredWithURL(t *testing.T) {
	cfg := validConfig()
	cfg.NotifyURL = "https://notify.internal/enqueue"
	assert.Error(t, cfg.Validate())

	cfg.NotifySecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "value")
	assert.Equal(t, "value", getEnv("CFG_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("CFG_TEST_MISSING", "fallback"))

	t.Setenv("CFG_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("CFG_TEST_INT", 7))
	t.Setenv("CFG_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("CFG_TEST_INT", 7))
}
