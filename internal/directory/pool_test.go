package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
)

func hostsOf(eps []Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Host
	}
	return out
}

func TestServerPoolRoundRobin(t *testing.T) {
	p := NewServerPool("main", config.ServerConfig{Host: "a", Hosts: []string{"b", " ", "c"}, PoolExhaustSeconds: 30})
	require.Len(t, p.Endpoints(), 3)

	var got []string
	for i := 0; i < 4; i++ {
		ep, err := p.Next()
		require.NoError(t, err)
		got = append(got, ep.Host)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestServerPoolExhaustion(t *testing.T) {
	p := NewServerPool("main", config.ServerConfig{Host: "a", Hosts: []string{"b"}, PoolExhaustSeconds: 30})

	p.MarkExhausted(Endpoint{Host: "a"})
	assert.Equal(t, []string{"b", "a"}, hostsOf(p.Candidates()))
	assert.Equal(t, []string{"b", "a"}, hostsOf(p.Candidates()))

	p.MarkExhausted(Endpoint{Host: "b"})
	cands := p.Candidates()
	assert.Len(t, cands, 2, "exhausted endpoints are still tried when nothing else is left")

	p.MarkAlive(Endpoint{Host: "a"})
	assert.Equal(t, "a", p.Candidates()[0].Host)
}

func TestServerPoolNoExhaustPeriod(t *testing.T) {
	p := NewServerPool("main", config.ServerConfig{Host: "a", Hosts: []string{"b"}})
	p.MarkExhausted(Endpoint{Host: "a"})
	assert.Equal(t, []string{"a", "b"}, hostsOf(p.Candidates()))
}
