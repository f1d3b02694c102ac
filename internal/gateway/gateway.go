// Package gateway forwards the public directory API to the LDAP service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/api"
	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
	"github.com/sonroyaalmerol/ldap-gateway/internal/controller"
	"github.com/sonroyaalmerol/ldap-gateway/internal/router"
)

const GatewaySystem = "ldap-gateway"

type Proxy struct {
	base     string
	host     string
	client   *http.Client
	validate *validator.Validate
	logger   zerolog.Logger
	maxBody  int64
}

// New builds a proxy to cfg.LDAPServiceURL. A nil client gets one with
// cfg.Timeout.
func New(cfg config.GatewayConfig, maxBody int64, client *http.Client, logger zerolog.Logger) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(cfg.LDAPServiceURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ldap service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" || base.RawQuery != "" {
		return nil, fmt.Errorf("invalid ldap service url %q", cfg.LDAPServiceURL)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Proxy{
		base:     base.String(),
		host:     base.Host,
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "gateway").Logger(),
		maxBody:  maxBody,
	}, nil
}

func (p *Proxy) Routes(r chi.Router) {
	r.Get("/api/health_check", p.HealthCheck)
	r.Get("/api/ldap/health_check", p.ServiceHealthCheck)
	r.Post("/api/entries", p.AddEntry)
	r.Post("/api/search", p.Search)
	r.Route("/api/entry/{dn}", func(r chi.Router) {
		r.Get("/", p.GetEntry)
		r.Put("/", p.ModifyEntry)
		r.Delete("/", p.DeleteEntry)
	})
}

// target builds the service URL for an already escaped path, carrying
// the caller's query.
func (p *Proxy) target(path string, query string) string {
	t := p.base + path
	if query != "" {
		t += "?" + query
	}
	return t
}

func entryPath(dn string) string {
	return "/api/entry/" + url.PathEscape(dn)
}

// forward sends one request upstream and copies the answer back. A
// transport failure answers 500 with the error text.
func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, method, target string, body []byte) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		p.logger.Error().Err(err).Str("target", target).Msg("failed to build upstream request")
		api.WriteText(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.GetReqID(ctx); id != "" {
		req.Header.Set(router.RequestIDHeader, id)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Str("method", method).Str("target", target).Msg("ldap service request failed")
		api.WriteText(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn().Err(err).Str("target", target).Msg("failed to relay upstream body")
	}
	p.logger.Debug().Str("method", method).Str("target", target).Int("status", resp.StatusCode).Msg("forwarded")
}

// decode validates the caller's body and re-encodes it for the service.
func (p *Proxy) decode(w http.ResponseWriter, r *http.Request, v any) ([]byte, bool) {
	if err := api.DecodeRequest(r, p.maxBody, p.validate, v); err != nil {
		p.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected request")
		api.WriteText(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		api.WriteText(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return b, true
}

func (p *Proxy) HealthCheck(w http.ResponseWriter, r *http.Request) {
	hc := api.NewHealthCheck(GatewaySystem, p.logger)
	hc.DatabaseHost = p.host
	api.WriteJSON(w, http.StatusOK, hc)
}

func (p *Proxy) ServiceHealthCheck(w http.ResponseWriter, r *http.Request) {
	p.forward(r.Context(), w, http.MethodGet, p.target("/api/health_check", r.URL.RawQuery), nil)
}

func (p *Proxy) AddEntry(w http.ResponseWriter, r *http.Request) {
	var req controller.AddEntryRequest
	body, ok := p.decode(w, r, &req)
	if !ok {
		return
	}
	p.forward(r.Context(), w, http.MethodPost, p.target("/api/entries", r.URL.RawQuery), body)
}

func (p *Proxy) Search(w http.ResponseWriter, r *http.Request) {
	var req controller.SearchRequest
	body, ok := p.decode(w, r, &req)
	if !ok {
		return
	}
	p.forward(r.Context(), w, http.MethodPost, p.target("/api/search", r.URL.RawQuery), body)
}

func pathDN(w http.ResponseWriter, r *http.Request) (string, bool) {
	dn, err := url.PathUnescape(chi.URLParam(r, "dn"))
	if err != nil || dn == "" {
		api.WriteText(w, http.StatusBadRequest, `Expected path parameter "dn", but found none`)
		return "", false
	}
	return dn, true
}

func (p *Proxy) GetEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(w, r)
	if !ok {
		return
	}
	p.forward(r.Context(), w, http.MethodGet, p.target(entryPath(dn), r.URL.RawQuery), nil)
}

// ModifyEntry requires the path and the body to name the same entry.
func (p *Proxy) ModifyEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(w, r)
	if !ok {
		return
	}
	var req controller.ModifyEntryRequest
	body, ok := p.decode(w, r, &req)
	if !ok {
		return
	}
	if req.DN != dn {
		api.WriteText(w, http.StatusBadRequest, "Path dn "+dn+" does not match content dn "+req.DN)
		return
	}
	p.forward(r.Context(), w, http.MethodPut, p.target(entryPath(req.DN), r.URL.RawQuery), body)
}

func (p *Proxy) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	dn, ok := pathDN(w, r)
	if !ok {
		return
	}
	p.forward(r.Context(), w, http.MethodDelete, p.target(entryPath(dn), r.URL.RawQuery), nil)
}
