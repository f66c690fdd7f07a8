package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openmx/identityd/internal/audit"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/httputil"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/service"
)

// ValidateHandler drives threepid ownership proofs over HTTP: requestToken
// sends a token out of band, submitToken completes the proof.
type ValidateHandler struct {
	sessions *service.SessionService
}

func NewValidateHandler(sessions *service.SessionService) *ValidateHandler {
	return &ValidateHandler{sessions: sessions}
}

func (h *ValidateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/email/requestToken", h.RequestEmailToken)
	r.Post("/msisdn/requestToken", h.RequestMsisdnToken)
	r.Post("/email/submitToken", h.SubmitToken)
	r.Post("/msisdn/submitToken", h.SubmitToken)
	// Email validation links arrive as GETs with query parameters.
	r.Get("/email/submitToken", h.SubmitTokenLink)
	return r
}

type requestTokenBody struct {
	ClientSecret string `json:"client_secret"`
	Email        string `json:"email"`
	PhoneNumber  string `json:"phone_number"`
	SendAttempt  int64  `json:"send_attempt"`
	NextLink     string `json:"next_link"`
}

func (h *ValidateHandler) RequestEmailToken(w http.ResponseWriter, r *http.Request) {
	h.requestToken(w, r, model.MediumEmail)
}

func (h *ValidateHandler) RequestMsisdnToken(w http.ResponseWriter, r *http.Request) {
	h.requestToken(w, r, model.MediumMsisdn)
}

func (h *ValidateHandler) requestToken(w http.ResponseWriter, r *http.Request, medium model.Medium) {
	var body requestTokenBody
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.ClientSecret == "" {
		httputil.WriteError(w, apperrors.MissingParam("client_secret"))
		return
	}

	address := body.Email
	addressField := "email"
	if medium == model.MediumMsisdn {
		address = body.PhoneNumber
		addressField = "phone_number"
	}
	if address == "" {
		httputil.WriteError(w, apperrors.MissingParam(addressField))
		return
	}

	sid, err := h.sessions.RequestToken(r.Context(), medium, address, body.ClientSecret, body.SendAttempt, body.NextLink)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventTokenRequested,
		Details: map[string]any{"medium": string(medium), "sid": sid},
	})

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"sid": strconv.FormatInt(sid, 10),
	})
}

func (h *ValidateHandler) SubmitToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sid          string `json:"sid"`
		ClientSecret string `json:"client_secret"`
		Token        string `json:"token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.validate(w, r, body.Sid, body.ClientSecret, body.Token)
}

func (h *ValidateHandler) SubmitTokenLink(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	h.validate(w, r, query.Get("sid"), query.Get("client_secret"), query.Get("token"))
}

func (h *ValidateHandler) validate(w http.ResponseWriter, r *http.Request, rawSid, clientSecret, token string) {
	if rawSid == "" {
		httputil.WriteError(w, apperrors.MissingParam("sid"))
		return
	}
	if clientSecret == "" {
		httputil.WriteError(w, apperrors.MissingParam("client_secret"))
		return
	}
	if token == "" {
		httputil.WriteError(w, apperrors.MissingParam("token"))
		return
	}

	sid, err := strconv.ParseInt(rawSid, 10, 64)
	if err != nil {
		httputil.WriteError(w, apperrors.InvalidParam("sid", "must be an integer"))
		return
	}

	if err := h.sessions.ValidateWithToken(r.Context(), sid, clientSecret, token); err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventSessionValidated,
		Details: map[string]any{"sid": sid},
	})
	writeSuccess(w)
}
