package topology

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HostEndpoint is a host and port pair identifying a single network
// endpoint of a node.
type HostEndpoint struct {
	Host string
	Port int
}

func (e HostEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e HostEndpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseHostEndpoint parses `host`, `host:port`, `ipv6`, or `[ipv6]:port`.
// When no port is present, defaultPort is used.
func ParseHostEndpoint(address string, defaultPort int) (HostEndpoint, error) {
	if address == "" {
		return HostEndpoint{}, fmt.Errorf("empty address")
	}

	host := address
	portStr := ""

	if strings.HasPrefix(address, "[") {
		closeIdx := strings.LastIndex(address, "]")
		if closeIdx < 0 {
			return HostEndpoint{}, fmt.Errorf("invalid address %q: missing closing bracket", address)
		}

		host = address[1:closeIdx]
		rest := address[closeIdx+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return HostEndpoint{}, fmt.Errorf("invalid address %q: unexpected data after bracket", address)
			}
			portStr = rest[1:]
		}
	} else if strings.Count(address, ":") == 1 {
		colonIdx := strings.IndexByte(address, ':')
		host = address[:colonIdx]
		portStr = address[colonIdx+1:]
	}

	if host == "" {
		return HostEndpoint{}, fmt.Errorf("invalid address %q: empty host", address)
	}

	port := defaultPort
	if portStr != "" {
		parsedPort, err := strconv.Atoi(portStr)
		if err != nil {
			return HostEndpoint{}, fmt.Errorf("invalid address %q: bad port: %w", address, err)
		}
		port = parsedPort
	}

	if port <= 0 || port > 65535 {
		return HostEndpoint{}, fmt.Errorf("invalid address %q: port %d out of range", address, port)
	}

	return HostEndpoint{
		Host: host,
		Port: port,
	}, nil
}

// stripPort removes a trailing port from a `host:port` style hostname as
// found in the legacy `nodes` list of a config.
func stripPort(hostname string) string {
	ep, err := ParseHostEndpoint(hostname, 1)
	if err != nil {
		return hostname
	}
	return ep.Host
}

func containsEndpoint(eps []HostEndpoint, ep HostEndpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}
