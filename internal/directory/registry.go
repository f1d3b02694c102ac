package directory

import (
	"fmt"
	"sort"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

// Registry holds one ServerPool per configured server and the process
// wide mock directory. It is built once at startup and only read
// afterwards.
type Registry struct {
	servers map[string]config.ServerConfig
	pools   map[string]*ServerPool
	mocked  config.MockedConfig
	mock    *MockDirectory
}

func NewRegistry(cfg *config.Config) (*Registry, error) {
	mock, err := LoadMockDirectory(cfg.Mocked)
	if err != nil {
		return nil, fmt.Errorf("failed to load mock directory: %w", err)
	}
	r := &Registry{
		servers: make(map[string]config.ServerConfig, len(cfg.Servers)),
		pools:   make(map[string]*ServerPool, len(cfg.Servers)),
		mocked:  cfg.Mocked,
		mock:    mock,
	}
	for name, srv := range cfg.Servers {
		if name == config.MockedServerName {
			continue
		}
		r.servers[name] = srv
		r.pools[name] = NewServerPool(name, srv)
	}
	return r, nil
}

// Lookup returns the pool of a configured server.
func (r *Registry) Lookup(name string) (*ServerPool, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return p, nil
}

// Server returns the configuration of a server, the mock included.
func (r *Registry) Server(name string) (config.ServerConfig, bool) {
	if name == config.MockedServerName {
		return r.mocked.ServerConfig, true
	}
	s, ok := r.servers[name]
	return s, ok
}

// Host returns the configured host of a server, or a not found message.
func (r *Registry) Host(name string) string {
	if s, ok := r.Server(name); ok {
		return s.Host
	}
	return fmt.Sprintf("%s configuration not found", name)
}

func (r *Registry) Mock() *MockDirectory {
	return r.mock
}

// Names lists the configured servers followed by the mock.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.servers)+1)
	for n := range r.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return append(names, config.MockedServerName)
}
