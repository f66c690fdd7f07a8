package handler

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
	"github.com/openmx/identityd/internal/signing"
)

// StatusHandler serves the API status probe and this server's public
// signing keys.
type StatusHandler struct {
	signer *signing.Signer
}

func NewStatusHandler(signer *signing.Signer) *StatusHandler {
	return &StatusHandler{signer: signer}
}

// Status confirms the identity API is reachable. An empty object is the
// expected body.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{})
}

func (h *StatusHandler) Pubkey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if keyID != signing.Algorithm+":"+h.signer.KeyID {
		httputil.WriteError(w, apperrors.NotFound("public key"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"public_key": base64.RawStdEncoding.EncodeToString(h.signer.Public()),
	})
}

func (h *StatusHandler) PubkeyIsValid(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("public_key")
	valid := key == base64.RawStdEncoding.EncodeToString(h.signer.Public())
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"valid": valid})
}
