package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validEnv() *EnvConfig {
	return &EnvConfig{
		Market: MarketConfig{
			BaseSymbol:     "ETH",
			BasePrecision:  4,
			QuoteSymbol:    "USDT",
			QuotePrecision: 2,
		},
		Workers: []WorkerConfig{
			{
				ID:         "worker-1",
				Increment:  decimal.RequireFromString("0.01"),
				LowerBound: decimal.RequireFromString("90"),
				UpperBound: decimal.RequireFromString("110"),
				Shares: map[string]decimal.Decimal{
					"USDT": decimal.RequireFromString("0.6"),
				},
			},
			{
				ID:         "worker-2",
				Increment:  decimal.RequireFromString("0.02"),
				LowerBound: decimal.RequireFromString("80"),
				UpperBound: decimal.RequireFromString("120"),
				Shares: map[string]decimal.Decimal{
					"USDT": decimal.RequireFromString("0.4"),
				},
			},
		},
		Feeds: FeedsConfig{
			Sources: []FeedSourceConfig{
				{Name: "binance", Weight: decimal.RequireFromString("2")},
				{Name: "kraken", Weight: decimal.RequireFromString("1")},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validEnv().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *EnvConfig)
	}{
		{
			name:   "negative precision",
			mutate: func(env *EnvConfig) { env.Market.BasePrecision = -1 },
		},
		{
			name:   "empty worker id",
			mutate: func(env *EnvConfig) { env.Workers[0].ID = " " },
		},
		{
			name:   "duplicate worker id",
			mutate: func(env *EnvConfig) { env.Workers[1].ID = "worker-1" },
		},
		{
			name:   "zero increment",
			mutate: func(env *EnvConfig) { env.Workers[0].Increment = decimal.Zero },
		},
		{
			name:   "inverted bounds",
			mutate: func(env *EnvConfig) { env.Workers[0].UpperBound = decimal.RequireFromString("10") },
		},
		{
			name:   "share above one",
			mutate: func(env *EnvConfig) { env.Workers[0].Shares["USDT"] = decimal.RequireFromString("1.5") },
		},
		{
			name:   "shares exceed the account",
			mutate: func(env *EnvConfig) { env.Workers[1].Shares["USDT"] = decimal.RequireFromString("0.5") },
		},
		{
			name:   "negative price tolerance",
			mutate: func(env *EnvConfig) { env.Workers[0].PriceTolerance = decimal.RequireFromString("-0.01") },
		},
		{
			name:   "unnamed feed source",
			mutate: func(env *EnvConfig) { env.Feeds.Sources[0].Name = "" },
		},
		{
			name:   "negative feed weight",
			mutate: func(env *EnvConfig) { env.Feeds.Sources[0].Weight = decimal.RequireFromString("-1") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnv()
			tt.mutate(env)
			assert.Error(t, env.Validate())
		})
	}
}
