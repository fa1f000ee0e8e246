package main

// Rotas de integração com o gateway de WhatsApp sob /api/wa: criação de
// instância (device), QR/estado de conexão, webhook e envio manual de
// texto. A instância é nomeada "org<id>-..." — é esse prefixo que permite
// ao resolver de tenant auto-provisionar devices de webhooks adiantados.

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type deviceRow struct {
	ID         int64     `json:"id"`
	OrgID      int64     `json:"org_id"`
	ChatbotID  int64     `json:"chatbot_id,omitempty"`
	InstanceID string    `json:"instance_id"`
	PhoneJid   string    `json:"phone_jid,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (app *App) mountDevices(r chi.Router) {
	r.Route("/wa", func(r chi.Router) {
		r.Get("/instances", app.waListInstances)
		r.Post("/instances", app.waCreateInstance)
		r.Get("/instances/{instance}/status", app.waInstanceStatus)
		r.Post("/instances/{instance}/send/text", app.waSendText)
		r.Delete("/instances/{instance}", app.waDisconnect)
	})
}

// GET /api/wa/instances
func (app *App) waListInstances(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	rows, err := app.DB.Query(r.Context(), `
		SELECT id, org_id, COALESCE(chatbot_id, 0), instance_id, phone_jid, status, created_at
		FROM devices WHERE org_id=$1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	out := []deviceRow{}
	for rows.Next() {
		var d deviceRow
		if err := rows.Scan(&d.ID, &d.OrgID, &d.ChatbotID, &d.InstanceID, &d.PhoneJid, &d.Status, &d.CreatedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// POST /api/wa/instances — provisiona o device, registra no gateway e
// inicia o pareamento (QR). O device nasce ligado ao chatbot default.
func (app *App) waCreateInstance(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var in struct {
		Name      string `json:"name"`
		ChatbotID int64  `json:"chatbot_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if strings.TrimSpace(in.Name) == "" {
		in.Name = "inst-" + time.Now().Format("20060102150405")
	}
	ctx := r.Context()

	instance := fmt.Sprintf("org%d-%s-%s",
		orgID, strings.ToLower(strings.ReplaceAll(strings.TrimSpace(in.Name), " ", "-")), randToken(6))
	token := randToken(32)

	// chatbot explícito ou default da org (pode não existir ainda; o
	// resolver exige default apenas na hora de processar webhook)
	chatbotID := in.ChatbotID
	if chatbotID == 0 {
		_ = app.DB.QueryRow(ctx,
			`SELECT id FROM chatbots WHERE org_id=$1 AND active AND is_default`, orgID).Scan(&chatbotID)
	}

	var deviceID int64
	if err := app.DB.QueryRow(ctx, `
		INSERT INTO devices (org_id, chatbot_id, instance_id, token, status)
		VALUES ($1, NULLIF($2, 0), $3, $4, 'connecting')
		RETURNING id
	`, orgID, chatbotID, instance, token).Scan(&deviceID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Sem gateway configurado: modo mock funcional para o front (demo)
	if !app.Gateway.configured() {
		writeJSON(w, http.StatusCreated, map[string]any{
			"device_id":  deviceID,
			"instanceId": instance,
			"token":      token,
			"connect": map[string]any{
				"status":  "waiting-qr",
				"qrcode":  "EVOLUTION_MOCK_" + instance,
				"message": "EVOLUTION_BASE não configurado; retornando modo mock.",
			},
		})
		return
	}

	if _, err := app.Gateway.CreateInstance(ctx, instance, token); err != nil {
		http.Error(w, "provider error: "+err.Error(), http.StatusBadGateway)
		return
	}
	// aponta os eventos da instância para o nosso webhook
	if pub := strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"); pub != "" {
		if err := app.Gateway.SetWebhook(ctx, instance, token, pub+"/webhook"); err != nil {
			log.Printf("set webhook %s: %v", instance, err)
		}
	}
	connect, err := app.Gateway.Connect(ctx, instance, token)
	if err != nil {
		http.Error(w, "provider error: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":  deviceID,
		"instanceId": instance,
		"token":      token,
		"connect":    connect,
	})
}

// GET /api/wa/instances/{instance}/status — consulta o gateway e persiste
// a transição de estado do device.
func (app *App) waInstanceStatus(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	instance := chi.URLParam(r, "instance")
	ctx := r.Context()

	var token, status string
	if err := app.DB.QueryRow(ctx,
		`SELECT token, status FROM devices WHERE instance_id=$1 AND org_id=$2`,
		instance, orgID).Scan(&token, &status); err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	if !app.Gateway.configured() {
		writeJSON(w, http.StatusOK, map[string]any{"instance": instance, "status": status, "qrcode": "EVOLUTION_MOCK_" + instance})
		return
	}

	out, err := app.Gateway.ConnectionState(ctx, instance, token)
	if err != nil {
		http.Error(w, "provider error: "+err.Error(), http.StatusBadGateway)
		return
	}
	if st := deviceStatusFromState(out); st != "" && st != status {
		_, _ = app.DB.Exec(ctx,
			`UPDATE devices SET status=$2, updated_at=NOW() WHERE instance_id=$1`, instance, st)
		status = st
	}
	out["status"] = status
	writeJSON(w, http.StatusOK, out)
}

// POST /api/wa/instances/{instance}/send/text — envio manual; a mensagem
// outbound passa pelo mesmo fluxo de cobrança dos ecos de webhook.
func (app *App) waSendText(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	instance := chi.URLParam(r, "instance")

	var in struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	in.To = strings.TrimSpace(in.To)
	if in.To == "" || strings.TrimSpace(in.Text) == "" {
		http.Error(w, "to and text are required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	t := tenant{OrgID: orgID, Instance: instance}
	if err := app.DB.QueryRow(ctx,
		`SELECT id, token, COALESCE(chatbot_id, 0) FROM devices WHERE instance_id=$1 AND org_id=$2`,
		instance, orgID).Scan(&t.DeviceID, &t.Token, &t.ChatbotID); err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	extID, err := app.Sender.SendText(ctx, t, in.To, in.Text)
	if err != nil {
		http.Error(w, "provider error: "+err.Error(), http.StatusBadGateway)
		return
	}
	if extID == "" {
		extID = fmt.Sprintf("sent-%d", time.Now().UnixNano())
	}

	out, err := billOutbound(ctx, app.Billing, ingestMsg{
		OrgID:      t.OrgID,
		DeviceID:   t.DeviceID,
		ChatbotID:  t.ChatbotID,
		Phone:      in.To,
		Content:    in.Text,
		ExternalID: extID,
		MessageTS:  time.Now().UTC(),
	}, 0, false)
	if err != nil {
		log.Printf("send %s: bill %s: %v", instance, extID, err)
	}
	resp := map[string]any{
		"sent":       true,
		"message_id": out.MessageID,
		"billing":    out.Status,
	}
	if out.Status == stInsufficient {
		// o envio aconteceu; só o débito foi rejeitado
		resp["error"] = errInsufficientCredits.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DELETE /api/wa/instances/{instance} — logout no gateway e marca o
// device como desconectado (a instância e o histórico permanecem).
func (app *App) waDisconnect(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	instance := chi.URLParam(r, "instance")
	ctx := r.Context()

	var token string
	if err := app.DB.QueryRow(ctx,
		`SELECT token FROM devices WHERE instance_id=$1 AND org_id=$2`, instance, orgID).Scan(&token); err != nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if app.Gateway.configured() {
		if err := app.Gateway.Logout(ctx, instance, token); err != nil {
			log.Printf("logout %s: %v", instance, err)
		}
	}
	_, _ = app.DB.Exec(ctx,
		`UPDATE devices SET status='disconnected', updated_at=NOW() WHERE instance_id=$1`, instance)
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
}

// deviceStatusFromState normaliza o estado do Evolution (close/
// connecting/open) para o enum do device.
func deviceStatusFromState(out map[string]any) string {
	state := ""
	if inst, ok := out["instance"].(map[string]any); ok {
		state, _ = inst["state"].(string)
	}
	if state == "" {
		state, _ = out["state"].(string)
	}
	switch strings.ToLower(state) {
	case "open", "connected":
		return "connected"
	case "connecting":
		return "connecting"
	case "close", "closed", "disconnected":
		return "disconnected"
	}
	return ""
}
