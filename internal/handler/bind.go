package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/service"
)

// BindHandler serves binding, unbinding and invite storage.
type BindHandler struct {
	binder  *service.Binder
	invites *service.InviteService
}

func NewBindHandler(binder *service.Binder, invites *service.InviteService) *BindHandler {
	return &BindHandler{binder: binder, invites: invites}
}

func (h *BindHandler) Bind(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sid          string `json:"sid"`
		ClientSecret string `json:"client_secret"`
		Mxid         string `json:"mxid"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.Sid == "" {
		httputil.WriteError(w, apperrors.MissingParam("sid"))
		return
	}
	if body.ClientSecret == "" {
		httputil.WriteError(w, apperrors.MissingParam("client_secret"))
		return
	}
	if body.Mxid == "" {
		httputil.WriteError(w, apperrors.MissingParam("mxid"))
		return
	}

	sid, err := strconv.ParseInt(body.Sid, 10, 64)
	if err != nil {
		httputil.WriteError(w, apperrors.InvalidParam("sid", "must be an integer"))
		return
	}

	signed, err := h.binder.Bind(r.Context(), sid, body.ClientSecret, body.Mxid)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, signed)
}

func (h *BindHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mxid     string `json:"mxid"`
		Threepid struct {
			Medium  string `json:"medium"`
			Address string `json:"address"`
		} `json:"threepid"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.Mxid == "" {
		httputil.WriteError(w, apperrors.MissingParam("mxid"))
		return
	}
	if body.Threepid.Medium == "" || body.Threepid.Address == "" {
		httputil.WriteError(w, apperrors.MissingParam("threepid"))
		return
	}

	medium, err := parseMedium(body.Threepid.Medium)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.binder.Unbind(r.Context(), medium, body.Threepid.Address, body.Mxid); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{})
}

func (h *BindHandler) StoreInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Medium  string `json:"medium"`
		Address string `json:"address"`
		RoomID  string `json:"room_id"`
		Sender  string `json:"sender"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	for field, value := range map[string]string{
		"medium":  body.Medium,
		"address": body.Address,
		"room_id": body.RoomID,
		"sender":  body.Sender,
	} {
		if value == "" {
			httputil.WriteError(w, apperrors.MissingParam(field))
			return
		}
	}

	medium, err := parseMedium(body.Medium)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	invite, err := h.invites.StoreInvite(r.Context(), medium, body.Address, body.RoomID, body.Sender)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token": invite.Token,
	})
}

func parseMedium(raw string) (model.Medium, error) {
	switch model.Medium(raw) {
	case model.MediumEmail:
		return model.MediumEmail, nil
	case model.MediumMsisdn:
		return model.MediumMsisdn, nil
	default:
		return "", apperrors.InvalidParam("medium", "must be email or msisdn")
	}
}
