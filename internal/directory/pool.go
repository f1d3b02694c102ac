package directory

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sonroyaalmerol/ldap-gateway/internal/cache"
	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

// Endpoint is one physical directory host of a pool.
type Endpoint struct {
	Host    string
	Options config.EndpointOptions
}

// URL returns the ldap:// or ldaps:// address of the endpoint. Hosts that
// already carry a scheme are used as they are.
func (e Endpoint) URL() string {
	h := strings.TrimSpace(e.Host)
	if strings.Contains(h, "://") {
		return h
	}
	scheme, port := "ldap", 389
	if e.Options.UseSSL {
		scheme, port = "ldaps", 636
	}
	if e.Options.Port != 0 {
		port = e.Options.Port
	}
	if _, _, err := net.SplitHostPort(h); err != nil {
		h = net.JoinHostPort(h, strconv.Itoa(port))
	}
	return scheme + "://" + h
}

// Hostname is the bare host name, used for TLS verification and service
// principals.
func (e Endpoint) Hostname() string {
	u, err := url.Parse(e.URL())
	if err != nil {
		return e.Host
	}
	return u.Hostname()
}

func (e Endpoint) String() string {
	return e.URL()
}

// ServerPool balances the endpoints of one named server round-robin.
// Endpoints that failed are skipped for the exhaust period unless every
// endpoint is exhausted.
type ServerPool struct {
	name      string
	endpoints []Endpoint
	next      atomic.Uint64
	exhaust   time.Duration
	exhausted *cache.Cache[string, time.Time]
}

func NewServerPool(name string, cfg config.ServerConfig) *ServerPool {
	hosts := cfg.Endpoints()
	eps := make([]Endpoint, 0, len(hosts))
	for _, h := range hosts {
		eps = append(eps, Endpoint{Host: h, Options: cfg.Server})
	}
	exhaust := time.Duration(cfg.PoolExhaustSeconds) * time.Second
	return &ServerPool{
		name:      name,
		endpoints: eps,
		exhaust:   exhaust,
		exhausted: cache.New[string, time.Time](exhaust),
	}
}

func (p *ServerPool) Name() string {
	return p.name
}

func (p *ServerPool) Endpoints() []Endpoint {
	return append([]Endpoint(nil), p.endpoints...)
}

// Candidates returns every endpoint in the order the next call should try
// them: the round-robin pick first, exhausted endpoints last.
func (p *ServerPool) Candidates() []Endpoint {
	n := len(p.endpoints)
	if n == 0 {
		return nil
	}
	start := int((p.next.Add(1) - 1) % uint64(n))
	live := make([]Endpoint, 0, n)
	var dead []Endpoint
	for i := 0; i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if _, ok := p.exhausted.Get(ep.URL()); ok {
			dead = append(dead, ep)
			continue
		}
		live = append(live, ep)
	}
	return append(live, dead...)
}

// Next returns the endpoint the next connection should use.
func (p *ServerPool) Next() (Endpoint, error) {
	c := p.Candidates()
	if len(c) == 0 {
		return Endpoint{}, fmt.Errorf("server pool %s has no endpoints", p.name)
	}
	return c[0], nil
}

// MarkExhausted takes an endpoint out of rotation for the exhaust period.
func (p *ServerPool) MarkExhausted(ep Endpoint) {
	if p.exhaust <= 0 {
		return
	}
	p.exhausted.Put(ep.URL(), time.Now())
}

func (p *ServerPool) MarkAlive(ep Endpoint) {
	p.exhausted.Delete(ep.URL())
}
