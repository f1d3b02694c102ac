// Package api exposes the directory controller over HTTP.
package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/controller"
	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
)

const (
	ServiceSystem   = "ldap-service"
	ServerNameParam = "server_name"
)

type Handler struct {
	controller *controller.Controller
	validate   *validator.Validate
	logger     zerolog.Logger
	maxBody    int64
}

func NewHandler(c *controller.Controller, logger zerolog.Logger, maxBody int64) *Handler {
	return &Handler{
		controller: c,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With().Str("component", "api").Logger(),
		maxBody:    maxBody,
	}
}

// Routes mounts the directory endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/health_check", h.HealthCheck)
	r.Post("/api/entries", h.AddEntry)
	r.Post("/api/search", h.Search)
	r.Route("/api/entry/{dn}", func(r chi.Router) {
		r.Get("/", h.GetEntry)
		r.Put("/", h.ModifyEntry)
		r.Delete("/", h.DeleteEntry)
	})
}

func serverName(r *http.Request) string {
	return r.URL.Query().Get(ServerNameParam)
}

// pathDN returns the unescaped {dn} path parameter.
func pathDN(r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "dn")
	dn, err := url.PathUnescape(raw)
	if err != nil || dn == "" {
		return "", false
	}
	return dn, true
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	hc := NewHealthCheck(ServiceSystem, h.logger)
	hc.DatabaseHost = h.controller.GetLdapHost(serverName(r))
	WriteJSON(w, http.StatusOK, hc)
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.logger.Warn().Err(err).Msg("rejected request")
	WriteText(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) connectionFailed(w http.ResponseWriter, err error) {
	h.logger.Error().Err(err).Msg("directory unavailable")
	WriteText(w, http.StatusInternalServerError, err.Error())
}

// AddEntry answers 201 on success, 400 when the entry already exists and
// 500 otherwise.
func (h *Handler) AddEntry(w http.ResponseWriter, r *http.Request) {
	var req controller.AddEntryRequest
	if err := DecodeRequest(r, h.maxBody, h.validate, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	out, err := h.controller.Add(r.Context(), serverName(r), req)
	if err != nil {
		h.connectionFailed(w, err)
		return
	}
	switch {
	case out.OK():
		WriteText(w, http.StatusCreated, "OK")
	case out.Description == directory.DescEntryAlreadyExists:
		WriteText(w, http.StatusBadRequest, out.String())
	default:
		WriteText(w, http.StatusInternalServerError, out.String())
	}
}

// GetEntry reads one entry with all its user attributes.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(r)
	if !ok {
		WriteText(w, http.StatusBadRequest, `Expected path parameter "dn", but found none`)
		return
	}
	res, err := h.controller.Search(r.Context(), serverName(r), controller.SearchRequest{
		SearchBase:   dn,
		SearchFilter: "(objectClass=*)",
		SearchScope:  controller.ScopeBase,
		Attributes:   controller.Values{controller.AllAttributes},
	})
	if err != nil {
		h.connectionFailed(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// ModifyEntry answers 200 on success, 400 for a missing entry, 403 when
// access is refused and 500 otherwise.
func (h *Handler) ModifyEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(r)
	if !ok {
		WriteText(w, http.StatusBadRequest, `Expected path parameter "dn", but found none`)
		return
	}
	var req controller.ModifyEntryRequest
	if err := DecodeRequest(r, h.maxBody, h.validate, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	if req.DN != dn {
		WriteText(w, http.StatusBadRequest, "Path dn "+dn+" does not match content dn "+req.DN)
		return
	}
	out, err := h.controller.Modify(r.Context(), serverName(r), req)
	if err != nil {
		h.connectionFailed(w, err)
		return
	}
	switch {
	case out.OK():
		WriteText(w, http.StatusOK, "OK")
	case out.Description == directory.DescNoSuchObject:
		WriteText(w, http.StatusBadRequest, out.String())
	case out.Description == directory.DescInsufficientAccessRights:
		WriteText(w, http.StatusForbidden, out.String())
	default:
		WriteText(w, http.StatusInternalServerError, out.String())
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req controller.SearchRequest
	if err := DecodeRequest(r, h.maxBody, h.validate, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	res, err := h.controller.Search(r.Context(), serverName(r), req)
	if err != nil {
		h.connectionFailed(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// DeleteEntry always answers 205 with true once a connection was made.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(r)
	if !ok {
		WriteText(w, http.StatusBadRequest, `Expected path parameter "dn", but found none`)
		return
	}
	deleted, err := h.controller.Delete(r.Context(), serverName(r), dn, nil)
	if err != nil {
		h.connectionFailed(w, err)
		return
	}
	WriteJSON(w, http.StatusResetContent, deleted)
}
