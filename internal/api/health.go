package api

import (
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type HealthCheck struct {
	System         string    `json:"system"`
	ServiceStatus  string    `json:"service_status"`
	Hostname       string    `json:"hostname,omitempty"`
	IPAddr         string    `json:"ip_addr,omitempty"`
	DatabaseHost   string    `json:"database_host,omitempty"`
	DatabaseStatus string    `json:"database_status,omitempty"`
	DateTime       time.Time `json:"date_time"`
}

// NewHealthCheck describes this process. Failing to resolve the host
// address is logged and leaves IPAddr empty.
func NewHealthCheck(system string, logger zerolog.Logger) HealthCheck {
	hc := HealthCheck{System: system, ServiceStatus: "OK", DateTime: time.Now().UTC()}
	host, err := os.Hostname()
	if err != nil {
		logger.Warn().Err(err).Msg("hostname lookup failed")
		return hc
	}
	hc.Hostname = host
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		logger.Warn().Err(err).Str("hostname", host).Msg("address lookup failed")
		return hc
	}
	hc.IPAddr = addrs[0]
	return hc
}
