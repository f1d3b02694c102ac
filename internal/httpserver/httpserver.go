package httpserver

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/api"
	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
	"github.com/sonroyaalmerol/ldap-gateway/internal/controller"
	"github.com/sonroyaalmerol/ldap-gateway/internal/directory"
	"github.com/sonroyaalmerol/ldap-gateway/internal/gateway"
	"github.com/sonroyaalmerol/ldap-gateway/internal/metrics"
	"github.com/sonroyaalmerol/ldap-gateway/internal/router"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the LDAP service: registry, connection manager,
// controller and the HTTP API, plus /metrics when enabled.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	reg, err := directory.NewRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := router.Options{Timeout: cfg.HTTP.WriteTimeout}
	var dm *metrics.Directory
	if cfg.Metrics.Enabled {
		promReg := metrics.NewRegistry()
		dm = metrics.NewDirectory(promReg)
		opts.Metrics = metrics.Handler(promReg)
		opts.MetricsPath = cfg.Metrics.Path
	}

	mgr := directory.NewManager(reg, logger, dm)
	ctl := controller.New(mgr, cfg.DefaultServer, logger, dm)
	h := api.NewHandler(ctl, logger, cfg.HTTP.MaxBodyBytes)
	mux := router.New(logger, opts, h.Routes)

	for _, name := range reg.Names() {
		logger.Info().Str("server", name).Str("host", reg.Host(name)).Msg("directory server configured")
	}
	return newServer(cfg.HTTP.Addr, cfg.HTTP, mux, logger), func() {}, nil
}

// NewGatewayServer wires the pass-through gateway in front of the LDAP
// service.
func NewGatewayServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	opts := router.Options{Timeout: cfg.Gateway.Timeout}
	client := &http.Client{Timeout: cfg.Gateway.Timeout}
	if cfg.Metrics.Enabled {
		promReg := metrics.NewRegistry()
		opts.Metrics = metrics.Handler(promReg)
		opts.MetricsPath = cfg.Metrics.Path
		client.Transport = metrics.InstrumentTransport(promReg, http.DefaultTransport)
	}

	proxy, err := gateway.New(cfg.Gateway, cfg.HTTP.MaxBodyBytes, client, logger)
	if err != nil {
		return nil, nil, err
	}
	mux := router.New(logger, opts, proxy.Routes)

	logger.Info().Str("upstream", cfg.Gateway.LDAPServiceURL).Msg("gateway configured")
	return newServer(cfg.Gateway.Addr, cfg.HTTP, mux, logger), client.CloseIdleConnections, nil
}

func newServer(addr string, cfg config.HTTPConfig, h http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

func (s *Server) Addr() string {
	return s.http.Addr
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
