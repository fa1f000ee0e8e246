package main

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgBilling implementa billingStore sobre Postgres. Cada operação roda em
// uma única transação; a linha da mensagem (travada via FOR UPDATE no
// caminho de reprocessamento) e os índices únicos de idempotência fazem a
// serialização — nenhum lock é segurado através de chamada externa.
type pgBilling struct {
	db *pgxpool.Pool
}

func newPGBilling(db *pgxpool.Pool) *pgBilling {
	return &pgBilling{db: db}
}

// SaveInbound insere a mensagem inbound como received. Conflito em
// (device_id, external_id) significa entrega repetida: devolve o registro
// existente sem nenhum efeito novo.
func (s *pgBilling) SaveInbound(ctx context.Context, m ingestMsg) (billOutcome, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (org_id, device_id, chatbot_id, direction, phone, content, external_id, billing_status, message_ts)
		VALUES ($1, $2, NULLIF($3, 0), 'inbound', $4, $5, $6, 'received', $7)
		ON CONFLICT (device_id, external_id) DO NOTHING
		RETURNING id
	`, m.OrgID, m.DeviceID, m.ChatbotID, m.Phone, m.Content, m.ExternalID, nullTime(m.MessageTS)).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		var st string
		if err := s.db.QueryRow(ctx, `
			SELECT id, billing_status FROM messages WHERE device_id=$1 AND external_id=$2
		`, m.DeviceID, m.ExternalID).Scan(&id, &st); err != nil {
			return billOutcome{}, err
		}
		return billOutcome{MessageID: id, Status: st, Duplicate: true}, nil
	}
	if err != nil {
		return billOutcome{}, err
	}
	return billOutcome{MessageID: id, Status: stReceived}, nil
}

// BillOutbound persiste e cobra a mensagem outbound em uma transação só:
//
//  1. upsert da mensagem como pending; se já existe, FOR UPDATE — estado
//     terminal devolve o resultado anterior (entrega duplicada);
//  2. UPDATE condicional do saldo (WHERE balance >= custo, RETURNING),
//     checando linha afetada — sem read-modify-write em aplicação;
//  3. evento de débito no ledger (único por mensagem);
//  4. resultado gravado na própria mensagem.
func (s *pgBilling) BillOutbound(ctx context.Context, m ingestMsg, tokens, cost int64) (billOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return billOutcome{}, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (org_id, device_id, chatbot_id, direction, phone, content, external_id, billing_status, message_ts)
		VALUES ($1, $2, NULLIF($3, 0), 'outbound', $4, $5, $6, 'pending', $7)
		ON CONFLICT (device_id, external_id) DO NOTHING
		RETURNING id
	`, m.OrgID, m.DeviceID, m.ChatbotID, m.Phone, m.Content, m.ExternalID, nullTime(m.MessageTS)).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		// já existia: trava a linha; dois cobradores concorrentes da mesma
		// mensagem serializam aqui e o segundo enxerga o estado terminal
		var st string
		var tk, cc int64
		if err := tx.QueryRow(ctx, `
			SELECT id, billing_status, tokens, cost_credits
			FROM messages WHERE device_id=$1 AND external_id=$2 FOR UPDATE
		`, m.DeviceID, m.ExternalID).Scan(&id, &st, &tk, &cc); err != nil {
			return billOutcome{}, err
		}
		if st != stPending && st != stError {
			if err := tx.Commit(ctx); err != nil {
				return billOutcome{}, err
			}
			return billOutcome{MessageID: id, Status: st, Tokens: tk, Cost: cc, Duplicate: true}, nil
		}
	} else if err != nil {
		return billOutcome{}, err
	}

	// custo zero (conteúdo vazio): cobrada sem débito e sem evento
	if cost == 0 {
		if err := s.finishMessage(ctx, tx, id, stCharged, tokens, 0); err != nil {
			return billOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return billOutcome{}, err
		}
		return billOutcome{MessageID: id, Status: stCharged, Tokens: tokens}, nil
	}

	var newBal int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_balances SET balance = balance - $2, updated_at = NOW()
		WHERE org_id = $1 AND balance >= $2
		RETURNING balance
	`, m.OrgID, cost).Scan(&newBal)

	if errors.Is(err, pgx.ErrNoRows) {
		// saldo insuficiente: débito rejeitado por inteiro, saldo intacto
		var cur int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE((SELECT balance FROM credit_balances WHERE org_id=$1), 0)
		`, m.OrgID).Scan(&cur); err != nil {
			return billOutcome{}, err
		}
		if err := s.finishMessage(ctx, tx, id, stInsufficient, tokens, cost); err != nil {
			return billOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return billOutcome{}, err
		}
		return billOutcome{MessageID: id, Status: stInsufficient, Tokens: tokens, Cost: cost, Balance: cur}, nil
	}
	if err != nil {
		return billOutcome{}, err
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO credit_events (org_id, message_id, external_id, kind, amount, balance_after)
		VALUES ($1, $2, $3, 'debit', $4, $5)
		ON CONFLICT DO NOTHING
	`, m.OrgID, id, m.ExternalID, cost, newBal)
	if err != nil {
		return billOutcome{}, err
	}
	if ct.RowsAffected() == 0 {
		// débito já registrado por outro caminho; aborta sem tocar o saldo
		return billOutcome{MessageID: id, Duplicate: true}, errDuplicateDelivery
	}

	if err := s.finishMessage(ctx, tx, id, stCharged, tokens, cost); err != nil {
		return billOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return billOutcome{}, err
	}
	return billOutcome{MessageID: id, Status: stCharged, Tokens: tokens, Cost: cost, Balance: newBal}, nil
}

func (s *pgBilling) finishMessage(ctx context.Context, tx pgx.Tx, id int64, status string, tokens, cost int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE messages SET billing_status=$2, tokens=$3, cost_credits=$4, billing_error='', updated_at=NOW()
		WHERE id=$1
	`, id, status, tokens, cost)
	return err
}

// MarkBillingError registra a falha na linha da mensagem (criando-a se a
// transação de cobrança nem chegou a persistir), sem jamais rebaixar um
// estado terminal. A contagem de tokens fica gravada para que o retry de
// /billing/process cobre o mesmo valor da primeira tentativa.
func (s *pgBilling) MarkBillingError(ctx context.Context, m ingestMsg, tokens int64, reason string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (org_id, device_id, chatbot_id, direction, phone, content, external_id, tokens, billing_status, billing_error, message_ts)
		VALUES ($1, $2, NULLIF($3, 0), 'outbound', $4, $5, $6, $7, 'error', $8, $9)
		ON CONFLICT (device_id, external_id) DO UPDATE
		SET billing_status='error', billing_error=EXCLUDED.billing_error, tokens=EXCLUDED.tokens, updated_at=NOW()
		WHERE messages.billing_status IN ('pending', 'error')
	`, m.OrgID, m.DeviceID, m.ChatbotID, m.Phone, m.Content, m.ExternalID, tokens, reason, nullTime(m.MessageTS))
	return err
}

// ListUnbilled devolve as mensagens outbound pending/error da org, mais
// a contagem de tokens já conhecida (para não re-estimar no retry).
func (s *pgBilling) ListUnbilled(ctx context.Context, orgID int64) ([]pendingMsg, error) {
	rows, err := s.db.Query(ctx, `
		SELECT org_id, device_id, COALESCE(chatbot_id, 0), phone, content, external_id, COALESCE(message_ts, created_at), tokens
		FROM messages
		WHERE org_id=$1 AND direction='outbound' AND billing_status IN ('pending', 'error')
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pendingMsg
	for rows.Next() {
		var p pendingMsg
		p.Msg.Direction = dirOutbound
		if err := rows.Scan(&p.Msg.OrgID, &p.Msg.DeviceID, &p.Msg.ChatbotID, &p.Msg.Phone,
			&p.Msg.Content, &p.Msg.ExternalID, &p.Msg.MessageTS, &p.Tokens); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Balance devolve o saldo corrente da org (0 se a linha ainda não existe).
func (s *pgBilling) Balance(ctx context.Context, orgID int64) (int64, error) {
	var bal int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE((SELECT balance FROM credit_balances WHERE org_id=$1), 0)
	`, orgID).Scan(&bal)
	return bal, err
}

// Grant credita a org: incrementa o saldo e grava o evento grant na mesma
// transação. Usado no top-up administrativo.
func (s *pgBilling) Grant(ctx context.Context, orgID, amount int64, reason string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBal, err := grantTx(ctx, tx, orgID, amount, reason)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBal, nil
}

// grantTx credita dentro de uma transação já aberta. O registro usa isto
// para que org, chatbot default e créditos iniciais nasçam juntos ou não
// nasçam.
func grantTx(ctx context.Context, tx pgx.Tx, orgID, amount int64, reason string) (int64, error) {
	var newBal int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO credit_balances (org_id, balance) VALUES ($1, $2)
		ON CONFLICT (org_id) DO UPDATE SET balance = credit_balances.balance + $2, updated_at = NOW()
		RETURNING balance
	`, orgID, amount).Scan(&newBal); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_events (org_id, kind, amount, balance_after, reason)
		VALUES ($1, 'grant', $2, $3, $4)
	`, orgID, amount, newBal, reason); err != nil {
		return 0, err
	}
	return newBal, nil
}

// creditEvent espelha uma linha do ledger para o histórico da API.
type creditEvent struct {
	ID           int64     `json:"id"`
	OrgID        int64     `json:"org_id"`
	MessageID    int64     `json:"message_id,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *pgBilling) ListEvents(ctx context.Context, orgID int64, limit int) ([]creditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, org_id, COALESCE(message_id, 0), external_id, kind, amount, balance_after, reason, created_at
		FROM credit_events WHERE org_id=$1 ORDER BY id DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []creditEvent{}
	for rows.Next() {
		var e creditEvent
		if err := rows.Scan(&e.ID, &e.OrgID, &e.MessageID, &e.ExternalID, &e.Kind,
			&e.Amount, &e.BalanceAfter, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// reconcileResult compara o saldo materializado com o saldo derivado do
// ledger (grants - debits). Drift zero é o invariante de conservação.
type reconcileResult struct {
	OrgID    int64 `json:"org_id"`
	Balance  int64 `json:"balance"`
	Derived  int64 `json:"derived"`
	Drift    int64 `json:"drift"`
	Repaired bool  `json:"repaired"`
}

// Reconcile re-deriva o saldo a partir do histórico de eventos. Com
// repair=true, restaura a linha de saldo para o valor derivado — o ledger
// é a fonte de verdade; o saldo é só uma materialização. Idempotente.
func (s *pgBilling) Reconcile(ctx context.Context, orgID int64, repair bool) (reconcileResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return reconcileResult{}, err
	}
	defer tx.Rollback(ctx)

	res := reconcileResult{OrgID: orgID}
	err = tx.QueryRow(ctx, `
		SELECT balance FROM credit_balances WHERE org_id=$1 FOR UPDATE
	`, orgID).Scan(&res.Balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return res, err
	}
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind='debit' THEN -amount ELSE amount END), 0)
		FROM credit_events WHERE org_id=$1
	`, orgID).Scan(&res.Derived); err != nil {
		return res, err
	}
	res.Drift = res.Balance - res.Derived

	if repair && res.Drift != 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_balances (org_id, balance) VALUES ($1, GREATEST($2, 0))
			ON CONFLICT (org_id) DO UPDATE SET balance = GREATEST($2, 0), updated_at = NOW()
		`, orgID, res.Derived); err != nil {
			return res, err
		}
		res.Repaired = true
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// nullTime converte time zero em NULL para colunas TIMESTAMPTZ opcionais.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
