package main

// Cliente HTTP do gateway Evolution (ciclo de vida de instância + envio
// de texto). Thin client: nenhuma regra de billing aqui; só transporte,
// timeout limitado e retry para falha transitória.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type textSender interface {
	// SendText envia texto para um número via instância do tenant e
	// devolve o id da mensagem atribuído pelo gateway (chave de
	// idempotência do eco do webhook), ou "" se o gateway não informar.
	SendText(ctx context.Context, t tenant, to, text string) (string, error)
}

type evoClient struct {
	base   string
	apiKey string // apikey global (operações administrativas)
	http   *http.Client
}

func newEvoClient() *evoClient {
	return &evoClient{
		base:   strings.TrimRight(os.Getenv("EVOLUTION_BASE"), "/"),
		apiKey: os.Getenv("EVOLUTION_API_KEY"),
		http:   &http.Client{Timeout: 20 * time.Second},
	}
}

// configured indica se há gateway real; sem EVOLUTION_BASE os handlers
// caem em modo mock (útil para demo/desenvolvimento, como no front).
func (c *evoClient) configured() bool { return c.base != "" }

// doJSON faz uma requisição JSON ao gateway. token vazio usa a apikey
// global; status >= 400 vira erro com o corpo incluído.
func (c *evoClient) doJSON(ctx context.Context, method, path, token string, body any, vout any) error {
	if !c.configured() {
		return errors.New("evolution not configured (defina EVOLUTION_BASE)")
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		req.Header.Set("apikey", token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: evolution %s: %v", errUpstream, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("evolution %s: http %d: %s", path, resp.StatusCode, string(b))
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", errUpstream, err)
		}
		return err
	}
	if vout != nil {
		return json.NewDecoder(resp.Body).Decode(vout)
	}
	return nil
}

// CreateInstance registra a instância no gateway e pede o QR inicial.
func (c *evoClient) CreateInstance(ctx context.Context, name, token string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, "/instance/create", "", map[string]any{
		"instanceName": name,
		"token":        token,
		"qrcode":       true,
	}, &out)
	return out, err
}

// Connect (re)inicia o pareamento; a resposta traz qrcode/pairingCode.
func (c *evoClient) Connect(ctx context.Context, instance, token string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(instance), token, nil, &out)
	return out, err
}

// ConnectionState consulta o estado (close/connecting/open) da instância.
func (c *evoClient) ConnectionState(ctx context.Context, instance, token string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), token, nil, &out)
	return out, err
}

// Logout desconecta a sessão sem apagar a instância.
func (c *evoClient) Logout(ctx context.Context, instance, token string) error {
	return c.doJSON(ctx, http.MethodDelete, "/instance/logout/"+url.PathEscape(instance), token, nil, nil)
}

// SetWebhook aponta os eventos de mensagem da instância para nossa URL.
func (c *evoClient) SetWebhook(ctx context.Context, instance, token, hookURL string) error {
	return c.doJSON(ctx, http.MethodPost, "/webhook/set/"+url.PathEscape(instance), token, map[string]any{
		"url":    hookURL,
		"events": []string{"MESSAGES_UPSERT"},
	}, nil)
}

// SendText envia texto com até 3 tentativas (backoff dobrado) para erro
// transitório. Sem gateway configurado devolve um id mock — o fluxo de
// billing continua funcionando em demo.
func (c *evoClient) SendText(ctx context.Context, t tenant, to, text string) (string, error) {
	if !c.configured() {
		return "MOCK-" + randToken(16), nil
	}

	body := map[string]any{"number": to, "text": text}
	var lastErr error
	wait := 300 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
				wait *= 2
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", errUpstream, ctx.Err())
			}
		}
		var out map[string]any
		err := c.doJSON(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(t.Instance), t.Token, body, &out)
		if err == nil {
			return sentMessageID(out), nil
		}
		lastErr = err
		if !errors.Is(err, errUpstream) {
			break // 4xx não melhora repetindo
		}
	}
	return "", lastErr
}

// sentMessageID extrai key.id (ou id) da resposta de envio do gateway.
func sentMessageID(out map[string]any) string {
	if out == nil {
		return ""
	}
	if key, ok := out["key"].(map[string]any); ok {
		if id, ok := key["id"].(string); ok {
			return id
		}
	}
	if id, ok := out["id"].(string); ok {
		return id
	}
	return ""
}

// randToken gera um token alfanumérico (ids mock e tokens de instância).
func randToken(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
