// Package porttracker collects the TCP ports used by the gate and rejects
// configurations where two listeners would collide.
package porttracker

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bigbes/snapshot-gate/internal/config"
)

// PortInfo describes a single used port.
type PortInfo struct {
	Host  string `json:"host"` // empty for all interfaces
	Port  int    `json:"port"`
	Owner string `json:"owner"` // "api", "observability" or "edge-proxy"
}

// UsedPorts returns all ports occupied by the current configuration.
func UsedPorts(cfg *config.Config) []PortInfo {
	var ports []PortInfo

	if h, p := splitAddr(cfg.Listen); p > 0 {
		ports = append(ports, PortInfo{Host: h, Port: p, Owner: "api"})
	}

	if cfg.ObservabilityHTTP.Addr != "" {
		if h, p := splitAddr(cfg.ObservabilityHTTP.Addr); p > 0 {
			ports = append(ports, PortInfo{Host: h, Port: p, Owner: "observability"})
		}
	}

	// An edge proxy on this machine shares the port space with us.
	if isLocal(cfg.Proxy.Host) && cfg.Proxy.Port > 0 {
		ports = append(ports, PortInfo{Host: cfg.Proxy.Host, Port: cfg.Proxy.Port, Owner: "edge-proxy"})
	}

	return ports
}

// Check returns an error naming the first pair of colliding listeners.
func Check(cfg *config.Config) error {
	ports := UsedPorts(cfg)
	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			if collide(ports[i], ports[j]) {
				return fmt.Errorf("port %d is used by both %s and %s", ports[i].Port, ports[i].Owner, ports[j].Owner)
			}
		}
	}
	return nil
}

func collide(a, b PortInfo) bool {
	if a.Port != b.Port {
		return false
	}
	return isWildcard(a.Host) || isWildcard(b.Host) || sameHost(a.Host, b.Host)
}

func isWildcard(h string) bool {
	return h == "" || h == "0.0.0.0" || h == "::"
}

func sameHost(a, b string) bool {
	if isLocal(a) && isLocal(b) {
		return true
	}
	return strings.EqualFold(a, b)
}

func isLocal(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// splitAddr returns host and port from an address string like
// "0.0.0.0:1080", ":1080", or just "1080". The port is 0 on failure.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Maybe it's just a bare port number.
		host, portStr = "", addr
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return "", 0
	}
	return host, p
}
