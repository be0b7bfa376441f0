package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crescent-systems/mailharvest/internal/models"
	"github.com/crescent-systems/mailharvest/internal/store"
)

const maxTenantBodyBytes int64 = 64 * 1024

// TenantHandler manages stored tenant credentials over the ops API.
// Responses never include token material.
type TenantHandler struct {
	creds store.CredentialStore
}

func NewTenantHandler(creds store.CredentialStore) *TenantHandler {
	return &TenantHandler{creds: creds}
}

// tenantView is the redacted representation returned by the API.
type tenantView struct {
	SessionID    string    `json:"session_id"`
	MailAddress  string    `json:"mail_address"`
	DisplayName  string    `json:"display_name,omitempty"`
	ExpiresAtMs  int64     `json:"expires_at_ms"`
	TokenExpired bool      `json:"token_expired"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toView(c models.TenantCredential) tenantView {
	return tenantView{
		SessionID:    c.SessionID,
		MailAddress:  c.MailAddress,
		DisplayName:  c.DisplayName,
		ExpiresAtMs:  c.ExpiresAtMilli,
		TokenExpired: c.ExpiresAtMilli <= time.Now().UnixMilli(),
		Scope:        c.Scope,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (h *TenantHandler) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	creds, err := h.creds.ListAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}

	views := make([]tenantView, 0, len(creds))
	for _, c := range creds {
		views = append(views, toView(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": views})
}

func (h *TenantHandler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	cred, err := h.creds.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			writeJSON(w, http.StatusNotFound, jsonResponse{Error: "tenant not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, toView(*cred))
}

func (h *TenantHandler) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTenantBodyBytes)

	var payload struct {
		MailAddress  string `json:"mail_address"`
		DisplayName  string `json:"display_name"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAtMs  int64  `json:"expires_at_ms"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "invalid JSON payload"})
		return
	}

	payload.MailAddress = strings.TrimSpace(payload.MailAddress)
	if payload.MailAddress == "" {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "mail_address is required"})
		return
	}
	if strings.TrimSpace(payload.RefreshToken) == "" {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "refresh_token is required"})
		return
	}

	cred := models.TenantCredential{
		SessionID:      uuid.NewString(),
		MailAddress:    payload.MailAddress,
		DisplayName:    strings.TrimSpace(payload.DisplayName),
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		ExpiresAtMilli: payload.ExpiresAtMs,
		Scope:          strings.TrimSpace(payload.Scope),
	}

	created, err := h.creds.Create(r.Context(), cred)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusCreated, toView(*created))
}

func (h *TenantHandler) HandleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.creds.Delete(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			writeJSON(w, http.StatusNotFound, jsonResponse{Error: "tenant not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}
