package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	tenants map[string]tenant
	err     error
}

func (f *fakeResolver) Resolve(ctx context.Context, instance string) (tenant, error) {
	if f.err != nil {
		return tenant{}, f.err
	}
	t, ok := f.tenants[instance]
	if !ok {
		return tenant{}, fmt.Errorf("%w: %s", errTenantNotFound, instance)
	}
	return t, nil
}

type fakeReplier struct {
	text   string
	tokens int64
	err    error
	calls  int
}

func (f *fakeReplier) Reply(ctx context.Context, t tenant, userText string) (string, int64, error) {
	f.calls++
	return f.text, f.tokens, f.err
}

type fakeSender struct {
	id    string
	err   error
	sent  []string
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, t tenant, to, text string) (string, error) {
	f.calls++
	f.sent = append(f.sent, text)
	return f.id, f.err
}

func testTenant() tenant {
	return tenant{OrgID: 1, DeviceID: 1, ChatbotID: 1, Instance: "org1-loja-abc", SystemPrompt: "Você é um atendente."}
}

func newTestApp(st billingStore) (*App, *fakeReplier, *fakeSender) {
	rep := &fakeReplier{text: "Olá! Como posso ajudar?", tokens: 120}
	snd := &fakeSender{id: "WAMID-REPLY-1"}
	app := &App{
		Billing: st,
		Tenants: &fakeResolver{tenants: map[string]tenant{"org1-loja-abc": testTenant()}},
		Replier: rep,
		Sender:  snd,
	}
	return app, rep, snd
}

func postWebhook(t *testing.T, app *App, body string) (*httptest.ResponseRecorder, webhookResp) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	app.webhookWa(rr, req)
	var resp webhookResp
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func inboundEvent(instance, id, text string) string {
	b, _ := json.Marshal(map[string]any{
		"instance": instance,
		"data": map[string]any{
			"key":              map[string]any{"id": id, "remoteJid": "5521999990000@s.whatsapp.net", "fromMe": false},
			"message":          map[string]any{"conversation": text},
			"messageTimestamp": 1700000000,
		},
	})
	return string(b)
}

func outboundEcho(instance, id, text string) string {
	b, _ := json.Marshal(map[string]any{
		"instance": instance,
		"data": map[string]any{
			"key":     map[string]any{"id": id, "remoteJid": "5521999990000@s.whatsapp.net", "fromMe": true},
			"message": map[string]any{"conversation": text},
		},
	})
	return string(b)
}

func TestWebhookPayloadText(t *testing.T) {
	var p webhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"message":{"conversation":"oi"}}}`), &p))
	assert.Equal(t, "oi", p.text())

	p = webhookPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"message":{"extendedTextMessage":{"text":"com preview"}}}}`), &p))
	assert.Equal(t, "com preview", p.text())

	p = webhookPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"message":{}}}`), &p))
	assert.Equal(t, "", p.text())
}

func TestPhoneFromJid(t *testing.T) {
	assert.Equal(t, "5521999990000", phoneFromJid("5521999990000@s.whatsapp.net"))
	assert.Equal(t, "5521999990000", phoneFromJid("5521999990000"))
}

func TestWebhookRejectsMalformed(t *testing.T) {
	app, _, _ := newTestApp(newMemStore())

	rr, _ := postWebhook(t, app, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = postWebhook(t, app, `{"instance":"","data":{"key":{"id":"X"}}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = postWebhook(t, app, `{"instance":"org1-loja-abc","data":{"key":{"id":""}}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookUnknownInstance(t *testing.T) {
	st := newMemStore()
	app, rep, snd := newTestApp(st)

	// instância desconhecida: 200 para não provocar reentrega, success=false
	rr, resp := postWebhook(t, app, inboundEvent("org9-nao-existe", "IN1", "oi"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, rep.calls)
	assert.Zero(t, snd.calls)
}

func TestWebhookNoDefaultChatbot(t *testing.T) {
	app, _, _ := newTestApp(newMemStore())
	app.Tenants = &fakeResolver{err: fmt.Errorf("%w: org 1", errNoDefaultChatbot)}

	// falha fechada: sem chatbot default nada é persistido nem respondido
	rr, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, resp.Success)
}

func TestWebhookInboundRepliesAndBills(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	_, err := st.Grant(ctx, 1, 10, "test")
	require.NoError(t, err)
	app, rep, snd := newTestApp(st)

	rr, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "quanto custa o produto?"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, stReceived, resp.Status)
	assert.Equal(t, 1, rep.calls)
	require.Equal(t, 1, snd.calls)
	assert.Equal(t, "Olá! Como posso ajudar?", snd.sent[0])

	// a resposta gerada foi cobrada pelos tokens reais do provedor (120 -> 1 crédito)
	bal, err := st.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal)

	evs, err := st.ListEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "debit", evs[0].Kind)
	assert.Equal(t, "WAMID-REPLY-1", evs[0].ExternalID)
}

func TestWebhookDuplicateInboundNoSecondReply(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	_, err := st.Grant(ctx, 1, 10, "test")
	require.NoError(t, err)
	app, rep, snd := newTestApp(st)

	_, first := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	require.True(t, first.Success)

	// reentrega do gateway: mesma key.id, nenhuma nova resposta nem débito
	rr, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, first.MessageID, resp.MessageID)
	assert.Equal(t, 1, rep.calls)
	assert.Equal(t, 1, snd.calls)

	bal, err := st.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal)
}

func TestWebhookEchoOfOwnReplyDedups(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	_, err := st.Grant(ctx, 1, 10, "test")
	require.NoError(t, err)
	app, _, snd := newTestApp(st)

	// inbound gera resposta cobrada com external_id do gateway
	_, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	require.True(t, resp.Success)

	// o gateway ecoa nossa própria resposta como fromMe com o mesmo id:
	// o eco dedupa contra a cobrança já feita
	rr, echo := postWebhook(t, app, outboundEcho("org1-loja-abc", snd.id, "Olá! Como posso ajudar?"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, echo.Success)
	assert.True(t, echo.Duplicate)
	assert.Equal(t, stCharged, echo.Status)

	bal, err := st.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal)
}

func TestWebhookOutboundInsufficient(t *testing.T) {
	st := newMemStore()
	app, _, _ := newTestApp(st)

	// eco de envio manual sem saldo: 200, resultado de negócio registrado
	rr, resp := postWebhook(t, app, outboundEcho("org1-loja-abc", "OUT1", strings.Repeat("x", 500)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, stInsufficient, resp.Status)
}

func TestWebhookReplierFailureKeepsInbound(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	app, rep, snd := newTestApp(st)
	rep.err = fmt.Errorf("%w: openai", errUpstream)

	// falha do LLM não derruba o webhook: a inbound fica gravada e nada é cobrado
	rr, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
	assert.Zero(t, snd.calls)

	evs, err := st.ListEvents(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
	_ = resp
}

func TestWebhookSenderFallbackID(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	_, err := st.Grant(ctx, 1, 10, "test")
	require.NoError(t, err)
	app, _, snd := newTestApp(st)
	snd.id = ""

	// gateway sem id na resposta: external_id determinístico derivado da inbound
	_, resp := postWebhook(t, app, inboundEvent("org1-loja-abc", "IN1", "oi"))
	require.True(t, resp.Success)

	evs, err := st.ListEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "reply:IN1", evs[0].ExternalID)
}
