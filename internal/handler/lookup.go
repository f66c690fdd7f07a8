package handler

import (
	"net/http"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
	"github.com/openmx/identityd/internal/service"
)

// LookupHandler serves hash details and hashed bulk lookups.
type LookupHandler struct {
	lookup *service.LookupService
}

func NewLookupHandler(lookup *service.LookupService) *LookupHandler {
	return &LookupHandler{lookup: lookup}
}

func (h *LookupHandler) HashDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.lookup.HashDetails(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (h *LookupHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Algorithm string   `json:"algorithm"`
		Pepper    string   `json:"pepper"`
		Addresses []string `json:"addresses"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.Algorithm == "" {
		httputil.WriteError(w, apperrors.MissingParam("algorithm"))
		return
	}
	if body.Addresses == nil {
		httputil.WriteError(w, apperrors.MissingParam("addresses"))
		return
	}

	mappings, err := h.lookup.Lookup(r.Context(), body.Algorithm, body.Pepper, body.Addresses)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}
