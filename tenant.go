package main

// Resolução de tenant: mapeia a instância opaca do gateway para o triplo
// (org, device, chatbot). Instância desconhecida com org derivável gera
// auto-provisionamento de um device ligado ao chatbot default da org;
// sem chatbot default ativo o fluxo falha fechado (errNoDefaultChatbot)
// em vez de persistir mensagem com billing indefinido.

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type tenantResolver interface {
	Resolve(ctx context.Context, instance string) (tenant, error)
}

type pgResolver struct {
	db *pgxpool.Pool
}

func newPGResolver(db *pgxpool.Pool) *pgResolver {
	return &pgResolver{db: db}
}

// Instâncias provisionadas pela plataforma são nomeadas "org<id>-...".
var instanceOrgRe = regexp.MustCompile(`^org(\d+)-`)

func (r *pgResolver) Resolve(ctx context.Context, instance string) (tenant, error) {
	t := tenant{Instance: instance}
	var chatbotID int64
	err := r.db.QueryRow(ctx, `
		SELECT d.org_id, d.id, d.token, COALESCE(d.chatbot_id, 0)
		FROM devices d WHERE d.instance_id=$1
	`, instance).Scan(&t.OrgID, &t.DeviceID, &t.Token, &chatbotID)

	if errors.Is(err, pgx.ErrNoRows) {
		return r.provision(ctx, instance)
	}
	if err != nil {
		return tenant{}, err
	}

	// chatbot ligado ao device, se ativo; senão cai no default da org
	if chatbotID != 0 {
		err := r.db.QueryRow(ctx, `
			SELECT id, system_prompt, model, temperature FROM chatbots WHERE id=$1 AND active
		`, chatbotID).Scan(&t.ChatbotID, &t.SystemPrompt, &t.Model, &t.Temperature)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return tenant{}, err
		}
	}
	if err := r.defaultChatbot(ctx, &t); err != nil {
		return tenant{}, err
	}
	return t, nil
}

// provision cria um device para uma instância ainda não registrada. Só é
// possível quando o nome da instância identifica a org; o device nasce já
// ligado ao chatbot default ativo — sem ele, rejeitamos.
func (r *pgResolver) provision(ctx context.Context, instance string) (tenant, error) {
	m := instanceOrgRe.FindStringSubmatch(instance)
	if m == nil {
		return tenant{}, errTenantNotFound
	}
	orgID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || orgID <= 0 {
		return tenant{}, errTenantNotFound
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orgs WHERE id=$1)`, orgID).Scan(&exists); err != nil {
		return tenant{}, err
	}
	if !exists {
		return tenant{}, errTenantNotFound
	}

	t := tenant{OrgID: orgID, Instance: instance}
	if err := r.defaultChatbot(ctx, &t); err != nil {
		return tenant{}, err
	}

	// idempotente: corrida entre dois webhooks da mesma instância converge
	// para a mesma linha
	if err := r.db.QueryRow(ctx, `
		INSERT INTO devices (org_id, chatbot_id, instance_id, status)
		VALUES ($1, $2, $3, 'connected')
		ON CONFLICT (instance_id) DO UPDATE SET updated_at=NOW()
		RETURNING id
	`, orgID, t.ChatbotID, instance).Scan(&t.DeviceID); err != nil {
		return tenant{}, err
	}
	return t, nil
}

func (r *pgResolver) defaultChatbot(ctx context.Context, t *tenant) error {
	err := r.db.QueryRow(ctx, `
		SELECT id, system_prompt, model, temperature
		FROM chatbots WHERE org_id=$1 AND active AND is_default
	`, t.OrgID).Scan(&t.ChatbotID, &t.SystemPrompt, &t.Model, &t.Temperature)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoDefaultChatbot
	}
	return err
}
