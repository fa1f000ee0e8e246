package main

// CRUD de chatbots (persona do assistente). A exclusividade de "default
// ativo" por org é garantida no write: promover um chatbot rebaixa o
// default anterior na mesma transação, e o índice único parcial do schema
// bloqueia qualquer caminho que tente furar isso.

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type Chatbot struct {
	ID           int64     `json:"id"`
	OrgID        int64     `json:"org_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Temperature  float32   `json:"temperature"`
	Active       bool      `json:"active"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (app *App) mountChatbots(r chi.Router) {
	r.Route("/chatbots", func(r chi.Router) {
		r.Get("/", app.listChatbots)
		r.Post("/", app.createChatbot)
		r.Put("/{id}", app.updateChatbot)
	})
}

func (app *App) listChatbots(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	rows, err := app.DB.Query(r.Context(), `
		SELECT id, org_id, name, system_prompt, model, temperature, active, is_default, created_at, updated_at
		FROM chatbots WHERE org_id=$1 ORDER BY created_at
	`, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	out := []Chatbot{}
	for rows.Next() {
		var c Chatbot
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.SystemPrompt, &c.Model, &c.Temperature,
			&c.Active, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (app *App) createChatbot(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var in Chatbot
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if in.Model == "" {
		in.Model = getenv("TEXT_MODEL", "gpt-4o-mini")
	}
	ctx := r.Context()

	tx, err := app.DB.Begin(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(ctx)

	if in.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE chatbots SET is_default=FALSE, updated_at=NOW() WHERE org_id=$1 AND is_default`, orgID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO chatbots (org_id, name, system_prompt, model, temperature, active, is_default)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING id, created_at, updated_at
	`, orgID, in.Name, in.SystemPrompt, in.Model, in.Temperature, in.IsDefault).
		Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	in.OrgID = orgID
	in.Active = true
	writeJSON(w, http.StatusCreated, in)
}

func (app *App) updateChatbot(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var in Chatbot
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	ctx := r.Context()

	tx, err := app.DB.Begin(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(ctx)

	// promover rebaixa o default anterior na mesma transação
	if in.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE chatbots SET is_default=FALSE, updated_at=NOW() WHERE org_id=$1 AND is_default AND id<>$2`,
			orgID, id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	ct, err := tx.Exec(ctx, `
		UPDATE chatbots
		SET name=COALESCE(NULLIF($3, ''), name), system_prompt=$4,
		    model=COALESCE(NULLIF($5, ''), model), temperature=$6,
		    active=$7, is_default=$8, updated_at=NOW()
		WHERE id=$1 AND org_id=$2
	`, id, orgID, in.Name, in.SystemPrompt, in.Model, in.Temperature, in.Active, in.IsDefault)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ct.RowsAffected() == 0 {
		http.Error(w, "chatbot not found", http.StatusNotFound)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	in.ID = id
	in.OrgID = orgID
	in.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, in)
}
