package main

// Webhook que o gateway Evolution chama: POST /webhook (e o alias
// /webhook/messages-upsert usado quando o gateway sufixa o evento).
// Contrato com o gateway: 4xx apenas para payload malformado; depois que
// a mensagem está gravada, sempre 200 — rejeição de billing é resultado
// de negócio, não erro de protocolo, e 5xx aqui viraria tempestade de
// reentrega.

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// webhookPayload é o formato de evento do Evolution. O texto vem em
// data.message.conversation ou, para mensagens com preview/citação, em
// data.message.extendedTextMessage.text.
type webhookPayload struct {
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			ID        string `json:"id"`
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		Message struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage *struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// text extrai o corpo textual da mensagem, qualquer que seja o envelope.
func (p *webhookPayload) text() string {
	if p.Data.Message.Conversation != "" {
		return p.Data.Message.Conversation
	}
	if ext := p.Data.Message.ExtendedTextMessage; ext != nil {
		return ext.Text
	}
	return ""
}

// phoneFromJid reduz "5521999999999@s.whatsapp.net" para o número puro.
func phoneFromJid(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

type webhookResp struct {
	Success   bool   `json:"success"`
	Status    string `json:"status,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// webhookWa processa um evento de mensagem: resolve o tenant, persiste a
// mensagem (dedup por key.id dentro da instância) e, para inbound, roda o
// pipeline de resposta do bot com cobrança da resposta gerada.
func (app *App) webhookWa(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p.Instance = strings.TrimSpace(p.Instance)
	if p.Instance == "" || p.Data.Key.ID == "" {
		http.Error(w, "instance and data.key.id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// auditoria do payload bruto (melhor esforço)
	if app.DB != nil {
		_, _ = app.DB.Exec(ctx,
			`INSERT INTO webhooks_log (instance_id, event, payload) VALUES ($1, $2, $3)`,
			p.Instance, "messages-upsert", json.RawMessage(body))
	}

	t, err := app.Tenants.Resolve(ctx, p.Instance)
	if err != nil {
		// falha fechada: sem tenant resolvido nada é persistido com billing
		// indefinido; o evento fica apenas no webhooks_log
		if errors.Is(err, errTenantNotFound) || errors.Is(err, errNoDefaultChatbot) {
			writeJSON(w, http.StatusOK, webhookResp{Success: false, Error: err.Error()})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := ingestMsg{
		OrgID:      t.OrgID,
		DeviceID:   t.DeviceID,
		ChatbotID:  t.ChatbotID,
		Phone:      phoneFromJid(p.Data.Key.RemoteJid),
		Content:    p.text(),
		ExternalID: p.Data.Key.ID,
	}
	if ts := p.Data.MessageTimestamp; ts > 0 {
		msg.MessageTS = time.Unix(ts, 0).UTC()
	}

	// outbound (eco de mensagem enviada): persistir e cobrar
	if p.Data.Key.FromMe {
		out, err := billOutbound(ctx, app.Billing, msg, 0, false)
		if err != nil {
			log.Printf("webhook %s: bill outbound %s: %v", p.Instance, msg.ExternalID, err)
			writeJSON(w, http.StatusOK, webhookResp{Success: false, Status: stError, MessageID: out.MessageID})
			return
		}
		writeJSON(w, http.StatusOK, webhookResp{Success: true, Status: out.Status, MessageID: out.MessageID, Duplicate: out.Duplicate})
		return
	}

	// inbound: terminal em received, nunca cobrada
	msg.Direction = dirInbound
	in, err := app.Billing.SaveInbound(ctx, msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if in.Duplicate {
		// entrega repetida: nada de nova resposta nem novo débito
		writeJSON(w, http.StatusOK, webhookResp{Success: true, Status: in.Status, MessageID: in.MessageID, Duplicate: true})
		return
	}

	if app.Replier != nil && app.Sender != nil && msg.Content != "" {
		if _, err := app.replyAndBill(ctx, t, msg); err != nil {
			log.Printf("webhook %s: reply for %s: %v", p.Instance, msg.ExternalID, err)
		}
	}

	writeJSON(w, http.StatusOK, webhookResp{Success: true, Status: in.Status, MessageID: in.MessageID})
}

// replyAndBill gera a resposta do bot, envia pelo gateway e cobra a
// mensagem outbound resultante. Estimação e chamadas externas acontecem
// ANTES da transação de débito — a seção crítica sobre a linha de saldo
// fica curta (ver store.go).
func (app *App) replyAndBill(ctx context.Context, t tenant, in ingestMsg) (billOutcome, error) {
	text, realTokens, err := app.Replier.Reply(ctx, t, in.Content)
	if err != nil {
		// inbound já está gravada como received; a resposta simplesmente
		// não aconteceu nesta entrega
		return billOutcome{}, err
	}

	extID, err := app.Sender.SendText(ctx, t, in.Phone, text)
	if err != nil {
		return billOutcome{}, err
	}
	if extID == "" {
		// fallback determinístico quando o gateway não ecoa o id
		extID = "reply:" + in.ExternalID
	}

	out := ingestMsg{
		OrgID:      t.OrgID,
		DeviceID:   t.DeviceID,
		ChatbotID:  t.ChatbotID,
		Phone:      in.Phone,
		Content:    text,
		ExternalID: extID,
		MessageTS:  time.Now().UTC(),
	}
	return billOutbound(ctx, app.Billing, out, realTokens, true)
}
