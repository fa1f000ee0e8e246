package main

// Erros de billing/ingestão. Falhas relevantes para cobrança são sempre
// gravadas na própria linha da mensagem (billing_status/billing_error);
// estes sentinelas controlam o fluxo, nunca substituem o registro.

import "errors"

var (
	// errTenantNotFound: instância desconhecida e sem como derivar a org.
	errTenantNotFound = errors.New("tenant not found for instance")

	// errNoDefaultChatbot: org existe mas não tem chatbot default ativo.
	// O fluxo falha fechado — a mensagem é rejeitada, nunca persiste com
	// billing_status indefinido.
	errNoDefaultChatbot = errors.New("org has no active default chatbot")

	// errInsufficientCredits: débito rejeitado; o saldo não muda e o
	// resultado fica registrado na mensagem como insufficient_funds.
	errInsufficientCredits = errors.New("insufficient credits")

	// errDuplicateDelivery: chave de idempotência já vista; retornamos o
	// resultado anterior sem novos efeitos.
	errDuplicateDelivery = errors.New("duplicate delivery")

	// errUpstream: falha transitória no gateway de WhatsApp ou no provedor
	// de LLM. A mensagem permanece pending e pode ser reprocessada.
	errUpstream = errors.New("transient upstream error")
)
