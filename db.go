package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ensureSchema cria/ajusta o schema necessário de forma idempotente.
// Todo o estado vive em um único Postgres: uma tabela de saldo por org
// (credit_balances) e um ledger append-only (credit_events) com chave de
// idempotência única — nada de tabelas de billing paralelas nem triggers.
func ensureSchema(ctx context.Context, db *pgxpool.Pool) error {
	// Força search_path public (também feito no AfterConnect)
	_, _ = db.Exec(ctx, `SET search_path TO public`)

	stmts := []string{
		// ORGS
		`CREATE TABLE IF NOT EXISTS public.orgs (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// USERS (login do painel)
		`CREATE TABLE IF NOT EXISTS public.users (
			id            BIGSERIAL PRIMARY KEY,
			org_id        BIGINT NOT NULL REFERENCES public.orgs(id) ON DELETE CASCADE,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL UNIQUE,
			password      TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_email_lower ON public.users ((LOWER(email)));`,

		// CHATBOTS (persona configurada do assistente)
		`CREATE TABLE IF NOT EXISTS public.chatbots (
			id            BIGSERIAL PRIMARY KEY,
			org_id        BIGINT NOT NULL REFERENCES public.orgs(id) ON DELETE CASCADE,
			name          TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT 'gpt-4o-mini',
			temperature   REAL NOT NULL DEFAULT 0.7,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			is_default    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		// No máximo um chatbot default ativo por org, garantido no write.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_chatbots_org_default
			ON public.chatbots (org_id) WHERE active AND is_default;`,

		// DEVICES (endpoint WhatsApp conectado = instância no gateway)
		`CREATE TABLE IF NOT EXISTS public.devices (
			id          BIGSERIAL PRIMARY KEY,
			org_id      BIGINT NOT NULL REFERENCES public.orgs(id) ON DELETE CASCADE,
			chatbot_id  BIGINT REFERENCES public.chatbots(id) ON DELETE SET NULL,
			instance_id TEXT NOT NULL,
			token       TEXT NOT NULL DEFAULT '',
			phone_jid   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'disconnected',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_devices_instance_id ON public.devices(instance_id);`,

		// MESSAGES (append-only; billing gravado exatamente uma vez)
		`CREATE TABLE IF NOT EXISTS public.messages (
			id             BIGSERIAL PRIMARY KEY,
			org_id         BIGINT NOT NULL REFERENCES public.orgs(id) ON DELETE CASCADE,
			device_id      BIGINT NOT NULL REFERENCES public.devices(id) ON DELETE CASCADE,
			chatbot_id     BIGINT REFERENCES public.chatbots(id) ON DELETE SET NULL,
			direction      TEXT NOT NULL,
			phone          TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL DEFAULT '',
			external_id    TEXT NOT NULL,
			tokens         BIGINT NOT NULL DEFAULT 0,
			cost_credits   BIGINT NOT NULL DEFAULT 0,
			billing_status TEXT NOT NULL,
			billing_error  TEXT NOT NULL DEFAULT '',
			message_ts     TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		// Dedup de entrega at-least-once do gateway.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_device_external
			ON public.messages (device_id, external_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_org_created ON public.messages (org_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_org_status ON public.messages (org_id, billing_status);`,

		// CREDIT BALANCES (uma linha de saldo por org)
		`CREATE TABLE IF NOT EXISTS public.credit_balances (
			org_id     BIGINT PRIMARY KEY REFERENCES public.orgs(id) ON DELETE CASCADE,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// CREDIT EVENTS (ledger append-only de débitos/créditos)
		`CREATE TABLE IF NOT EXISTS public.credit_events (
			id            BIGSERIAL PRIMARY KEY,
			org_id        BIGINT NOT NULL REFERENCES public.orgs(id) ON DELETE CASCADE,
			message_id    BIGINT REFERENCES public.messages(id) ON DELETE SET NULL,
			external_id   TEXT NOT NULL DEFAULT '',
			kind          TEXT NOT NULL,
			amount        BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		// Nunca dois débitos para a mesma mensagem. O escopo é a mensagem
		// (não org+external_id): devices distintos podem ver o mesmo key.id
		// do gateway e cada mensagem deles é cobrável por si.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_credit_events_debit
			ON public.credit_events (message_id) WHERE kind = 'debit';`,
		`CREATE INDEX IF NOT EXISTS idx_credit_events_org_created ON public.credit_events (org_id, created_at);`,

		// WEBHOOKS LOG (payload bruto para auditoria)
		`CREATE TABLE IF NOT EXISTS public.webhooks_log (
			id          BIGSERIAL PRIMARY KEY,
			instance_id TEXT,
			event       TEXT,
			payload     JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_log_created ON public.webhooks_log (created_at);`,
	}

	for _, q := range stmts {
		if _, err := db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
