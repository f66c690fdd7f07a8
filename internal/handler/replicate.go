package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openmx/identityd/internal/audit"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
	"github.com/openmx/identityd/internal/replication"
)

// ReplicationHandler exposes the inbound push endpoint peers deliver signed
// association batches to.
type ReplicationHandler struct {
	inbound *replication.Inbound
}

func NewReplicationHandler(inbound *replication.Inbound) *ReplicationHandler {
	return &ReplicationHandler{inbound: inbound}
}

func (h *ReplicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/push", h.Push)
	return r
}

func (h *ReplicationHandler) Push(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SgAssocs map[string]map[string]any `json:"sgAssocs"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.SgAssocs == nil {
		httputil.WriteError(w, apperrors.MissingParam("sgAssocs"))
		return
	}

	if err := h.inbound.ProcessPush(r.Context(), body.SgAssocs); err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			switch appErr.Code {
			case apperrors.ErrCodeNoSignatures,
				apperrors.ErrCodeNoMatchingSignature,
				apperrors.ErrCodeVerificationFailed,
				apperrors.ErrCodeUnknownPeer:
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventReplicationRejected,
					Details: map[string]any{"errcode": string(appErr.Code)},
				})
			}
		}
		httputil.WriteError(w, err)
		return
	}

	writeSuccess(w)
}
