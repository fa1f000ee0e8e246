package main

// Fluxo ingest-and-bill. Máquina de estados por mensagem:
//
//   inbound:  received (terminal — inbound nunca é cobrada)
//   outbound: pending -> charged | insufficient_funds | error
//
// A transição pending->charged|insufficient_funds acontece na mesma
// transação que o débito do saldo (ver store.go). Entregas repetidas da
// mesma mensagem (external_id duplicado) são no-ops que devolvem o
// resultado já gravado.

import (
	"context"
	"errors"
	"time"
)

const (
	dirInbound  = "inbound"
	dirOutbound = "outbound"

	stReceived     = "received"
	stPending      = "pending"
	stCharged      = "charged"
	stInsufficient = "insufficient_funds"
	stError        = "error"
)

// tenant é o resultado da resolução de uma instância do gateway para o
// triplo (org, device, chatbot) + configuração do assistente.
type tenant struct {
	OrgID        int64
	DeviceID     int64
	ChatbotID    int64
	Instance     string
	Token        string
	SystemPrompt string
	Model        string
	Temperature  float32
}

// ingestMsg carrega o mínimo necessário para persistir e cobrar uma
// mensagem. ExternalID é a chave de idempotência fornecida pelo gateway.
type ingestMsg struct {
	OrgID      int64
	DeviceID   int64
	ChatbotID  int64
	Direction  string
	Phone      string
	Content    string
	ExternalID string
	MessageTS  time.Time
}

// billOutcome é o resultado registrado para uma mensagem. Balance é o
// saldo após o débito quando Status==charged, ou o saldo corrente quando
// o débito foi rejeitado. Duplicate indica que nada novo aconteceu.
type billOutcome struct {
	MessageID int64
	Status    string
	Tokens    int64
	Cost      int64
	Balance   int64
	Duplicate bool
}

// pendingMsg é uma mensagem outbound ainda não cobrada (pending/error),
// candidata ao reprocessamento de /billing/process.
type pendingMsg struct {
	Msg    ingestMsg
	Tokens int64
}

// billingStore é a porção transacional do fluxo. A implementação de
// produção (pgBilling) executa cada operação como uma única transação
// Postgres; os testes usam um fake em memória com a mesma semântica.
type billingStore interface {
	// SaveInbound faz upsert da mensagem inbound com status received.
	// Entrega duplicada devolve o registro existente com Duplicate=true.
	SaveInbound(ctx context.Context, m ingestMsg) (billOutcome, error)

	// BillOutbound persiste a mensagem outbound e tenta o débito na mesma
	// transação: upsert da mensagem, UPDATE condicional do saldo
	// (balance >= custo, checando linhas afetadas), evento no ledger e
	// resultado gravado na mensagem. Exatamente-uma-vez por external_id.
	BillOutbound(ctx context.Context, m ingestMsg, tokens, cost int64) (billOutcome, error)

	// MarkBillingError grava uma falha inesperada na própria linha da
	// mensagem (status error), criando a linha se preciso, para que o
	// reprocessamento a encontre. tokens é a contagem já calculada — o
	// retry cobra exatamente o mesmo valor da primeira tentativa. Nunca
	// sobrescreve um estado terminal.
	MarkBillingError(ctx context.Context, m ingestMsg, tokens int64, reason string) error

	// ListUnbilled devolve as mensagens outbound pending/error de uma org.
	ListUnbilled(ctx context.Context, orgID int64) ([]pendingMsg, error)

	// Balance devolve o saldo corrente (0 para org sem linha de saldo).
	Balance(ctx context.Context, orgID int64) (int64, error)

	// Grant credita a org e grava o evento grant atomicamente.
	Grant(ctx context.Context, orgID, amount int64, reason string) (int64, error)

	// ListEvents devolve o histórico append-only do ledger.
	ListEvents(ctx context.Context, orgID int64, limit int) ([]creditEvent, error)

	// Reconcile compara o saldo materializado com o derivado do ledger.
	Reconcile(ctx context.Context, orgID int64, repair bool) (reconcileResult, error)
}

// billOutbound calcula o custo e delega a cobrança à transação do store.
// realTokens>0 (uso reportado pelo provedor de LLM) tem precedência sobre
// a heurística; generated indica resposta gerada por nós (soma o overhead
// do prompt na estimativa). Falhas inesperadas ficam registradas na
// mensagem antes de propagar.
func billOutbound(ctx context.Context, st billingStore, m ingestMsg, realTokens int64, generated bool) (billOutcome, error) {
	m.Direction = dirOutbound
	tokens := chargeableTokens(realTokens, m.Content, generated)
	cost := creditsForTokens(tokens)

	out, err := st.BillOutbound(ctx, m, tokens, cost)
	if errors.Is(err, errDuplicateDelivery) {
		// o débito desta mensagem já existe: resultado repetido, não falha
		out.Duplicate = true
		return out, nil
	}
	if err != nil {
		// registra na mensagem com um contexto novo: o erro pode ser
		// justamente o cancelamento do ctx da request
		mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.MarkBillingError(mctx, m, tokens, err.Error())
		return out, err
	}
	return out, nil
}

// processUnbilled recobra todas as mensagens outbound pendentes de uma
// org pelo mesmo caminho transacional. Seguro de re-executar: mensagens
// já cobradas voltam como Duplicate e não geram novo débito.
type processResult struct {
	Processed    int `json:"processed"`
	Charged      int `json:"charged"`
	Insufficient int `json:"insufficient_funds"`
	Duplicates   int `json:"duplicates"`
	Errors       int `json:"errors"`
}

func processUnbilled(ctx context.Context, st billingStore, orgID int64) (processResult, error) {
	pend, err := st.ListUnbilled(ctx, orgID)
	if err != nil {
		return processResult{}, err
	}
	var res processResult
	for _, p := range pend {
		res.Processed++
		out, err := billOutbound(ctx, st, p.Msg, p.Tokens, false)
		switch {
		case err != nil:
			res.Errors++
		case out.Duplicate:
			res.Duplicates++
		case out.Status == stCharged:
			res.Charged++
		case out.Status == stInsufficient:
			res.Insufficient++
		}
	}
	return res, nil
}
