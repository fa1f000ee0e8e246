package main

// Estimativa de tokens e conversão para créditos. A heurística chars/4 é
// aproximada de propósito: a granularidade de cobrança é grossa (1 crédito
// = 1000 tokens), então um tokenizador real não muda o valor cobrado.
// Quando o provedor de LLM informa o uso real (resp.Usage), ele tem
// precedência sobre a estimativa.

const (
	// tokensPerCredit: 1 crédito cobre até 1000 tokens.
	tokensPerCredit = 1000

	// promptOverheadTokens: custo fixo do system prompt embutido em cada
	// geração de resposta. Aplicado apenas quando caímos na heurística.
	promptOverheadTokens = 50
)

// estimateTokens aproxima a contagem de tokens de um texto como
// ceil(len/4). Função total e pura: entrada vazia resulta em zero.
func estimateTokens(text string) int64 {
	n := int64(len(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// creditsForTokens converte tokens em créditos inteiros, arredondando
// para cima. Zero tokens custam zero créditos.
func creditsForTokens(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return (tokens + tokensPerCredit - 1) / tokensPerCredit
}

// chargeableTokens decide a contagem a cobrar por uma mensagem outbound:
// usa o total real informado pelo provedor quando disponível; senão,
// estima pelo texto. O overhead do prompt só entra na estimativa de
// respostas geradas (o uso real já o inclui).
func chargeableTokens(realTokens int64, text string, generated bool) int64 {
	if realTokens > 0 {
		return realTokens
	}
	t := estimateTokens(text)
	if generated && t > 0 {
		t += promptOverheadTokens
	}
	return t
}
