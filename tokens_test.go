package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), estimateTokens(""))
	assert.Equal(t, int64(1), estimateTokens("a"))
	assert.Equal(t, int64(1), estimateTokens("abcd"))
	assert.Equal(t, int64(2), estimateTokens("abcde"))
	assert.Equal(t, int64(25), estimateTokens(strings.Repeat("x", 100)))

	// monotônica no comprimento
	prev := int64(0)
	for n := 0; n <= 64; n++ {
		cur := estimateTokens(strings.Repeat("a", n))
		assert.GreaterOrEqual(t, cur, prev, "len=%d", n)
		prev = cur
	}
}

func TestCreditsForTokens(t *testing.T) {
	assert.Equal(t, int64(0), creditsForTokens(0))
	assert.Equal(t, int64(0), creditsForTokens(-5))
	assert.Equal(t, int64(1), creditsForTokens(1))
	assert.Equal(t, int64(1), creditsForTokens(999))
	assert.Equal(t, int64(1), creditsForTokens(1000))
	assert.Equal(t, int64(2), creditsForTokens(1001))
	assert.Equal(t, int64(3), creditsForTokens(2500))
}

func TestChargeableTokens(t *testing.T) {
	// uso real do provedor tem precedência sobre a heurística
	assert.Equal(t, int64(321), chargeableTokens(321, strings.Repeat("x", 4000), true))
	assert.Equal(t, int64(321), chargeableTokens(321, "", false))

	// heurística: overhead do prompt só em resposta gerada
	assert.Equal(t, int64(25+promptOverheadTokens), chargeableTokens(0, strings.Repeat("x", 100), true))
	assert.Equal(t, int64(25), chargeableTokens(0, strings.Repeat("x", 100), false))

	// texto vazio não gera cobrança, mesmo como resposta gerada
	assert.Equal(t, int64(0), chargeableTokens(0, "", true))
	assert.Equal(t, int64(0), chargeableTokens(0, "", false))
}
