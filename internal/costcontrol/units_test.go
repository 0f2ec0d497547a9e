package costcontrol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nanoUnits(t *testing.T) Units {
	t.Helper()
	u, err := NewUnits(1_000_000_000, decimal.RequireFromString("0.055"))
	require.NoError(t, err)
	return u
}

func TestCostWithMarkup_RoundsUpBothSteps(t *testing.T) {
	u := nanoUnits(t)

	tests := []struct {
		raw  string
		want int64
	}{
		{"0.001", 1_055_000},
		{"0.002", 2_110_000},
		{"0.0015", 1_582_500},
		{"0", 0},
		// 0.0000000001 USD is 0.1 nano: base rounds up to 1, markup rounds 1.055 up to 2.
		{"0.0000000001", 2},
		// 19 nano * 1.055 = 20.045 -> 21
		{"0.000000019", 21},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := u.CostWithMarkup(decimal.RequireFromString(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCostWithMarkup_SumOfPerGenerationValues(t *testing.T) {
	u := nanoUnits(t)

	var total int64
	for _, raw := range []string{"0.001", "0.002", "0.0015"} {
		v, err := u.CostWithMarkup(decimal.RequireFromString(raw))
		require.NoError(t, err)
		total += v
	}
	assert.Equal(t, int64(4_747_500), total)
}

func TestToUSD(t *testing.T) {
	u := nanoUnits(t)
	assert.Equal(t, "0.0010550", u.ToUSD(1_055_000).StringFixed(7))
	assert.True(t, u.ToUSD(4_747_500).Equal(decimal.RequireFromString("0.0047475")))
	v, err := u.FromUSD(decimal.RequireFromString("0.0047475"))
	require.NoError(t, err)
	assert.Equal(t, int64(4_747_500), v)
}

func TestNewUnits_Validation(t *testing.T) {
	_, err := NewUnits(0, decimal.Zero)
	assert.Error(t, err)

	_, err = NewUnits(100, decimal.RequireFromString("-0.01"))
	assert.Error(t, err)
}

func TestGetModelPricing(t *testing.T) {
	tests := []struct {
		model   string
		wantIn  string
		wantOut string
	}{
		{"anthropic/claude-sonnet-4.5", "3", "15"},
		{"claude-haiku-4.5", "1", "5"},
		{"openai/gpt-4o-mini", "0.15", "0.6"},
		{"anthropic/claude-opus-4.6-20260101", "5", "25"},
		{"anthropic/claude-opus-4.1", "15", "75"},
		{"some-unknown-model", "15", "75"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p := GetModelPricing(tt.model)
			assert.True(t, p.InputPerMTok.Equal(decimal.RequireFromString(tt.wantIn)), "input %s", p.InputPerMTok)
			assert.True(t, p.OutputPerMTok.Equal(decimal.RequireFromString(tt.wantOut)), "output %s", p.OutputPerMTok)
		})
	}
}

func TestCalculateCost(t *testing.T) {
	p := GetModelPricing("claude-sonnet-4.5")
	cost := CalculateCost(1000, 500, p)
	// 1000*3/1e6 + 500*15/1e6 = 0.003 + 0.0075
	assert.True(t, cost.Equal(decimal.RequireFromString("0.0105")), "got %s", cost)
}

func TestCostWithMarkup_OutOfRange(t *testing.T) {
	u := nanoUnits(t)

	tests := []struct {
		name string
		raw  string
	}{
		// 1e10 USD is 1e19 nano, past math.MaxInt64 before the markup.
		{"base overflows", "10000000000"},
		// 9e9 USD fits as a base (9e18) but not after the 5.5% markup.
		{"markup overflows", "9000000000"},
		{"negative", "-0.001"},
		{"huge exponent", "1e40"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := u.CostWithMarkup(decimal.RequireFromString(tt.raw))
			assert.ErrorIs(t, err, ErrOutOfRange)
			assert.Zero(t, v)
		})
	}

	// Largest value that still fits: 8e9 USD -> 8.44e18 units.
	v, err := u.CostWithMarkup(decimal.RequireFromString("8000000000"))
	require.NoError(t, err)
	assert.Equal(t, int64(8_440_000_000_000_000_000), v)
}
