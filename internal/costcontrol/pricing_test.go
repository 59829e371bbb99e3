package costcontrol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCost_KnownModels(t *testing.T) {
	table := NewPricingTable()

	tests := []struct {
		model        string
		inputTokens  int
		outputTokens int
		want         float64
	}{
		{"gpt-4o-mini", 10, 20, 10.0/1e6*0.15 + 20.0/1e6*0.60},
		{"gpt-4o", 1_000_000, 0, 2.50},
		{"gpt-4o", 0, 1_000_000, 10.00},
		{"gpt-3.5-turbo", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := table.EstimateCost(tt.model, tt.inputTokens, tt.outputTokens)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestEstimateCost_CheapModelScenario(t *testing.T) {
	// 10 input + 20 output tokens at $0.15/M in, $0.60/M out.
	table := NewPricingTable()
	got, err := table.EstimateCost("gpt-4o-mini", 10, 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.0000135, got, 1e-12)
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	table := NewPricingTable()
	_, err := table.EstimateCost("not-a-real-model", 100, 100)
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestEstimateCost_NegativeTokens(t *testing.T) {
	table := NewPricingTable()

	_, err := table.EstimateCost("gpt-4o", -1, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = table.EstimateCost("gpt-4o", 0, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEstimateCost_MonotonicInTokenCounts(t *testing.T) {
	table := NewPricingTable()

	prev := -1.0
	for _, in := range []int{0, 10, 1000, 100_000} {
		cost, err := table.EstimateCost("gpt-4o", in, 500)
		require.NoError(t, err)
		assert.Greater(t, cost, prev)
		prev = cost
	}

	prev = -1.0
	for _, out := range []int{0, 10, 1000, 100_000} {
		cost, err := table.EstimateCost("gpt-4o", 500, out)
		require.NoError(t, err)
		assert.Greater(t, cost, prev)
		prev = cost
	}
}

func TestEstimateCost_Linear(t *testing.T) {
	table := NewPricingTable()

	one, err := table.EstimateCost("gpt-4o", 1000, 2000)
	require.NoError(t, err)
	ten, err := table.EstimateCost("gpt-4o", 10_000, 20_000)
	require.NoError(t, err)
	assert.InDelta(t, one*10, ten, 1e-12)
}

func TestRealizedCost_CachedDiscount(t *testing.T) {
	table := NewPricingTable()

	// 1M input, half cached: 500k at $2.50/M + 500k at $1.25/M.
	got, err := table.RealizedCost("gpt-4o", 1_000_000, 0, 500_000)
	require.NoError(t, err)
	assert.InDelta(t, 1.25+0.625, got, 1e-9)

	// No cached rate configured: cached tokens bill at full price.
	got, err = table.RealizedCost("gpt-3.5-turbo", 1_000_000, 0, 500_000)
	require.NoError(t, err)
	assert.InDelta(t, 0.50, got, 1e-9)

	// Zero cached tokens matches the plain estimate.
	est, err := table.EstimateCost("gpt-4o", 1000, 500)
	require.NoError(t, err)
	real, err := table.RealizedCost("gpt-4o", 1000, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, est, real)
}

func TestRealizedCost_CachedClampedToInput(t *testing.T) {
	table := NewPricingTable()
	// Reported cached count above input count clamps rather than going negative.
	got, err := table.RealizedCost("gpt-4o", 100, 0, 200)
	require.NoError(t, err)
	assert.InDelta(t, 100.0/1e6*1.25, got, 1e-12)
}

func TestLoadPricingTable_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `
cheap-model:
  input: 0.15
  output: 0.60
gpt-4o:
  input: 5.00
  output: 20.00
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	table, err := LoadPricingTable(path)
	require.NoError(t, err)

	// New entry is priced.
	cost, err := table.EstimateCost("cheap-model", 10, 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.0000135, cost, 1e-12)

	// Override wins over the built-in rate.
	p, err := table.Lookup("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 5.00, p.InputPerMTok)

	// Built-ins not mentioned in the file survive.
	assert.True(t, table.Has("gpt-4o-mini"))
}

func TestLoadPricingTable_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPricingTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("model: {input: -1, output: 2}"), 0600))
	_, err = LoadPricingTable(bad)
	assert.Error(t, err)
}
