package cashu_test

import (
	"testing"

	"github.com/elnosh/mintd/cashu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitValid(t *testing.T) {
	tests := []struct {
		unit  cashu.Unit
		valid bool
	}{
		{cashu.Unit("sat"), true},
		{cashu.Unit("msat"), true},
		{cashu.Unit("usd"), true},
		{cashu.Unit(""), false},
		{cashu.Unit("SAT"), false},
		{cashu.Unit("123"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.unit.Valid(), "unit %q", tt.unit)
	}
}

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{0, []uint64{}},
		{1, []uint64{1}},
		{13, []uint64{1, 4, 8}},
		{255, []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
	}

	for _, tt := range tests {
		got := cashu.AmountSplit(tt.amount)
		assert.Equal(t, tt.expected, got, "amount %d", tt.amount)

		var sum uint64
		for _, a := range got {
			sum += a
		}
		assert.Equal(t, tt.amount, sum)
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proof1 := cashu.Proof{Amount: 1, Id: "00id", Secret: "secret1", C: "02aa"}
	proof2 := cashu.Proof{Amount: 2, Id: "00id", Secret: "secret2", C: "02bb"}

	require.False(t, cashu.CheckDuplicateProofs(cashu.Proofs{proof1, proof2}))
	require.True(t, cashu.CheckDuplicateProofs(cashu.Proofs{proof1, proof1}))
}

func TestGenerateRandomQuoteId(t *testing.T) {
	id1, err := cashu.GenerateRandomQuoteId()
	require.NoError(t, err)
	id2, err := cashu.GenerateRandomQuoteId()
	require.NoError(t, err)

	assert.Len(t, id1, 64)
	assert.NotEqual(t, id1, id2)
}

func TestProofsAmount(t *testing.T) {
	proofs := cashu.Proofs{
		{Amount: 1},
		{Amount: 4},
		{Amount: 8},
	}
	assert.Equal(t, uint64(13), proofs.Amount())
}

func TestCount(t *testing.T) {
	amounts := []uint64{1, 2, 2, 4, 4, 4}
	assert.Equal(t, uint(1), cashu.Count(amounts, 1))
	assert.Equal(t, uint(2), cashu.Count(amounts, 2))
	assert.Equal(t, uint(3), cashu.Count(amounts, 4))
	assert.Equal(t, uint(0), cashu.Count(amounts, 8))
}
