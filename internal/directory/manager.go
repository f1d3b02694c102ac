package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
	"github.com/sonroyaalmerol/ldap-gateway/internal/metrics"
)

// Manager hands out one fresh connection per call. Pools supply endpoints,
// never connections.
type Manager struct {
	registry *Registry
	logger   zerolog.Logger
	metrics  *metrics.Directory
	dial     DialFunc
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces how the endpoints of configured servers are dialed.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

func NewManager(registry *Registry, logger zerolog.Logger, m *metrics.Directory, opts ...Option) *Manager {
	mgr := &Manager{registry: registry, logger: logger, metrics: m, dial: dialLDAP}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// GetConnection returns a live connection to the named server with the
// per call overrides decoded over the server's connection defaults.
// Failures to reach or bind the directory are *ConnectionError.
func (m *Manager) GetConnection(ctx context.Context, name string, overrides map[string]any) (Conn, error) {
	if name == config.MockedServerName {
		return m.mockConnection(ctx, overrides)
	}

	srv, _ := m.registry.Server(name)
	opts, err := MergeOptions(srv.Connection, overrides)
	if err != nil {
		return nil, err
	}

	pool, err := m.registry.Lookup(name)
	if err != nil {
		m.logger.Warn().Err(err).Str("server", name).Msg("no pool configured for server")
		m.metrics.RecordConnectionFailure(name)
		return nil, &ConnectionError{Server: name, Op: "open", Cause: err}
	}

	var lastErr error
	for _, ep := range pool.Candidates() {
		c := newLDAPConn(name, ep, opts, m.dial, m.logger)
		err := m.establish(ctx, c)
		if err == nil {
			pool.MarkAlive(ep)
			c.usage.ServersFromPool++
			m.logUsage(c)
			return c, nil
		}
		lastErr = err
		m.metrics.RecordConnectionFailure(name)
		m.logger.Error().Err(err).Str("server", name).Str("endpoint", ep.URL()).Msg("failed to connect to directory")
		var ce *ConnectionError
		if errors.As(err, &ce) && ce.Op == "bind" {
			// credentials are shared by every endpoint
			break
		}
		pool.MarkExhausted(ep)
	}
	if lastErr == nil {
		lastErr = &ConnectionError{Server: name, Op: "open", Cause: errors.New("no endpoints")}
	}
	return nil, lastErr
}

func (m *Manager) establish(ctx context.Context, c *ldapConn) error {
	if !c.opts.AutoBind.Enabled() {
		return c.Open(ctx)
	}
	ok, err := c.Bind(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r := c.Result()
		_ = c.Unbind()
		return c.connErr("bind", fmt.Errorf("%s %s", r.Description, r.Message))
	}
	return nil
}

// mockConnection binds explicitly when auto bind is off, otherwise opens
// the connection if it is not open yet.
func (m *Manager) mockConnection(ctx context.Context, overrides map[string]any) (Conn, error) {
	srv, _ := m.registry.Server(config.MockedServerName)
	opts, err := MergeOptions(srv.Connection, overrides)
	if err != nil {
		return nil, err
	}
	c, err := m.registry.Mock().Connect(ctx, config.MockedServerName, opts)
	if err != nil {
		m.metrics.RecordConnectionFailure(config.MockedServerName)
		return nil, err
	}
	if !opts.AutoBind.Enabled() {
		ok, err := c.Bind(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			m.logger.Warn().Str("server", config.MockedServerName).Str("result", c.Result().Description).Msg("mock bind refused")
		}
	} else if c.Closed() {
		if err := c.Open(ctx); err != nil {
			return nil, err
		}
	}
	m.logUsage(c)
	return c, nil
}

// Release unbinds the connection and records what it did.
func (m *Manager) Release(c Conn) {
	if c == nil {
		return
	}
	if err := c.Unbind(); err != nil {
		m.logger.Debug().Err(err).Str("server", c.Server()).Msg("unbind failed")
	}
	u := c.Usage()
	m.metrics.RecordUsage(c.Server(), u.BindOperations, u.RestartableFailures, u.OpenSockets, u.ClosedSockets)
}

func (m *Manager) logUsage(c Conn) {
	u := c.Usage()
	m.logger.Debug().
		Str("server", c.Server()).
		Str("strategy", string(c.Strategy())).
		Int("bind_operations", u.BindOperations).
		Int("restartable_failures", u.RestartableFailures).
		Int("open_sockets", u.OpenSockets).
		Int("closed_sockets", u.ClosedSockets).
		Msg("directory connection ready")
}

// MergeOptions decodes overrides on top of a copy of base; a key present
// in overrides wins.
func MergeOptions(base config.ConnectionOptions, overrides map[string]any) (config.ConnectionOptions, error) {
	opts := base
	if len(overrides) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       config.DecodeHooks(),
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(overrides); err != nil {
		return base, fmt.Errorf("invalid connection overrides: %w", err)
	}
	return opts, nil
}
