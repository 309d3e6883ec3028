package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundDownToStep(t *testing.T) {
	tests := []struct {
		qty, step, want string
	}{
		{"10", "1", "10"},
		{"10.75", "0.5", "10.5"},
		{"0.009", "0.01", "0"},
		{"3.14159", "0.001", "3.141"},
		{"7", "0", "7"},
	}
	for _, tt := range tests {
		got := RoundDownToStep(d(tt.qty), d(tt.step))
		assert.True(t, got.Equal(d(tt.want)), "%s/%s: got %s want %s", tt.qty, tt.step, got, tt.want)
	}
}

func TestWeightedAverage(t *testing.T) {
	got := WeightedAverage(d("2"), d("100"), d("2"), d("110"))
	assert.True(t, got.Equal(d("105")), got.String())
	assert.True(t, WeightedAverage(decimal.Zero, decimal.Zero, decimal.Zero, d("5")).IsZero())
}

func TestCalculateSkewedPrice(t *testing.T) {
	// long 10 against target 0 with skew 0.001 lowers price by 1%
	got := CalculateSkewedPrice(d("100"), d("10"), decimal.Zero, d("0.001"))
	assert.True(t, got.Equal(d("99")), got.String())
	assert.True(t, Notional(d("-2"), d("50")).Equal(d("100")))
	assert.True(t, MinDecimal(d("1"), d("2")).Equal(d("1")))
}
