package main

// Auth: registro, login, refresh e perfil com JWT + bcrypt.
// Cada registro cria org, chatbot default e o saldo inicial de créditos.
// Tokens carregam user_id/org_id.

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"
)

// signer/verifier global
var tokenAuth *jwtauth.JWTAuth

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "secret"
	}
	tokenAuth = jwtauth.New("HS256", []byte(secret), nil)
}

// rotas
func (a *App) mountAuth(r chi.Router) {
	r.Post("/auth/register", a.register)
	r.Post("/auth/login", a.login)
	r.Post("/auth/refresh", a.refresh)
	r.Get("/auth/me", a.me)
}

// POST /auth/register
func (a *App) register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if in.Email == "" || in.Password == "" || in.Name == "" {
		http.Error(w, "name, email and password are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// já existe?
	var exists bool
	if err := a.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email)=LOWER($1))`, in.Email).Scan(&exists); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	// hash
	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tx, err := a.DB.Begin(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(ctx)

	// org
	var orgID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO orgs(name) VALUES($1) RETURNING id`, in.Name).Scan(&orgID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// user
	var userID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO users(org_id, name, email, password)
		 VALUES($1,$2,$3,$4) RETURNING id`,
		orgID, in.Name, in.Email, string(hashed)).Scan(&userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// chatbot default — o resolver de tenant falha fechado sem ele
	var chatbotID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO chatbots (org_id, name, system_prompt, model, active, is_default)
		VALUES ($1, 'Assistente', 'Você é um atendente cordial e objetivo.', $2, TRUE, TRUE)
		RETURNING id
	`, orgID, getenv("TEXT_MODEL", "gpt-4o-mini")).Scan(&chatbotID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// créditos de boas-vindas na mesma transação: a org nunca existe sem
	// linha de saldo e evento grant correspondentes
	if credits := getenvInt64("SIGNUP_CREDITS", 10); credits > 0 {
		if _, err := grantTx(ctx, tx, orgID, credits, "signup"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// token
	token, err := generateToken(userID, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token, "token_type": "bearer", "expires_in": 24 * 3600,
		"id": userID, "email": in.Email, "name": in.Name, "org_id": orgID, "chatbot_id": chatbotID,
	})
}

// POST /auth/login
func (a *App) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || in.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	var userID, orgID int64
	var hashed, name string
	if err := a.DB.QueryRow(r.Context(),
		`SELECT id, org_id, name, password FROM users WHERE LOWER(email)=LOWER($1)`,
		in.Email).Scan(&userID, &orgID, &name, &hashed); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(in.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := generateToken(userID, orgID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token, "token_type": "bearer", "expires_in": 24 * 3600,
		"id": userID, "email": in.Email, "name": name, "org_id": orgID,
	})
}

// POST /auth/refresh
func (a *App) refresh(w http.ResponseWriter, r *http.Request) {
	uid, org, err := extractUserFromToken(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	token, err := generateToken(uid, org)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token, "token_type": "bearer", "expires_in": 24 * 3600,
	})
}

// GET /auth/me
func (a *App) me(w http.ResponseWriter, r *http.Request) {
	uid, org, err := extractUserFromToken(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	var email, name string
	if err := a.DB.QueryRow(r.Context(),
		`SELECT email, name FROM users WHERE id=$1`, uid).Scan(&email, &name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": uid, "email": email, "name": name, "org_id": org,
	})
}

// gera JWT
func generateToken(userID, orgID int64) (string, error) {
	claims := map[string]any{
		"user_id": userID,
		"org_id":  orgID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	_, tokenString, err := tokenAuth.Encode(claims)
	return tokenString, err
}

// extrai claims do Authorization: Bearer <token>
func extractUserFromToken(r *http.Request) (int64, int64, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return 0, 0, errors.New("no authorization header")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return 0, 0, errors.New("invalid authorization header")
	}
	raw := parts[1]

	// jwtauth v5 com jwx/v2: Decode -> (jwt.Token, error)
	tok, err := tokenAuth.Decode(raw)
	if err != nil || tok == nil {
		return 0, 0, errors.New("invalid token")
	}
	// valida exp/iat
	if err := jwxjwt.Validate(tok); err != nil {
		return 0, 0, errors.New("expired or invalid token")
	}

	uid := toInt64(getClaim(tok, "user_id"))
	org := toInt64(getClaim(tok, "org_id"))
	if uid == 0 || org == 0 {
		return 0, 0, errors.New("missing claims")
	}
	return uid, org, nil
}

// orgFromRequest identifica a org do chamador pelo JWT.
func orgFromRequest(r *http.Request) (int64, error) {
	_, org, err := extractUserFromToken(r)
	if err != nil {
		return 0, err
	}
	return org, nil
}

func getClaim(tok jwxjwt.Token, key string) any {
	v, _ := tok.Get(key)
	return v
}

// conversão genérica p/ int64
func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	default:
		return 0
	}
}
