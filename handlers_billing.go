package main

// Rotas de créditos e billing sob /api. O processamento e a reconciliação
// são idempotentes e substituem os scripts de reparo avulsos: re-executar
// nunca gera segundo débito para a mesma mensagem.

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (app *App) mountBilling(r chi.Router) {
	r.Get("/credits", app.getCredits)
	r.Get("/credits/events", app.listCreditEvents)
	r.Post("/credits/grant", app.grantCredits)
	r.Post("/billing/process", app.billingProcess)
	r.Post("/billing/reconcile", app.billingReconcile)
}

// GET /api/credits — saldo corrente da org do chamador.
func (app *App) getCredits(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	bal, err := app.Billing.Balance(r.Context(), orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": orgID, "balance": bal})
}

// GET /api/credits/events — histórico append-only do ledger (auditoria).
func (app *App) listCreditEvents(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	events, err := app.Billing.ListEvents(r.Context(), orgID, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// POST /api/credits/grant {org_id, amount, reason} — top-up
// administrativo: incrementa saldo e grava o evento na mesma transação.
func (app *App) grantCredits(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OrgID  int64  `json:"org_id"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	orgID, err := app.billingOrg(r, in.OrgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if in.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	newBal, err := app.Billing.Grant(r.Context(), orgID, in.Amount, strings.TrimSpace(in.Reason))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": orgID, "balance": newBal})
}

// POST /api/billing/process {org_id} — cobra todas as mensagens outbound
// pending/error da org. Seguro de re-executar.
func (app *App) billingProcess(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OrgID int64 `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	orgID, err := app.billingOrg(r, in.OrgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	res, err := processUnbilled(r.Context(), app.Billing, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/billing/reconcile {org_id, repair} — compara o saldo
// materializado com o derivado do ledger; repair=true restaura o derivado.
func (app *App) billingReconcile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OrgID  int64 `json:"org_id"`
		Repair bool  `json:"repair"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	orgID, err := app.billingOrg(r, in.OrgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	res, err := app.Billing.Reconcile(r.Context(), orgID, in.Repair)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// billingOrg decide sobre qual org a operação atua: org do token do
// chamador, ou qualquer org quando a request traz o token administrativo
// (X-Admin-Token == ADMIN_TOKEN do ambiente).
func (app *App) billingOrg(r *http.Request, requested int64) (int64, error) {
	if admin := os.Getenv("ADMIN_TOKEN"); admin != "" && requested > 0 &&
		strings.TrimSpace(r.Header.Get("X-Admin-Token")) == admin {
		return requested, nil
	}
	orgID, err := orgFromRequest(r)
	if err != nil {
		return 0, err
	}
	return orgID, nil
}
