package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrInvalidEndpoint = errors.New("endpoint must have a non-empty address and a non-zero port")

// Endpoint is a reachable peer address published through the directory.
type Endpoint struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

// String renders host:port, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// Validate checks the endpoint invariant of a logged-in record.
func (e Endpoint) Validate() error {
	if e.Address == "" || e.Port == 0 {
		return ErrInvalidEndpoint
	}
	return nil
}

// IsUnspecified reports whether the address is a wildcard (0.0.0.0 or ::).
func (e Endpoint) IsUnspecified() bool {
	ip := net.ParseIP(e.Address)
	return ip != nil && ip.IsUnspecified()
}

// ParseEndpoint parses "host:port" as produced by Endpoint.String.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("model: parse endpoint %q: %w", s, err)
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("model: parse endpoint %q: %w", s, err)
	}
	ep := Endpoint{Address: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, fmt.Errorf("model: parse endpoint %q: %w", s, err)
	}
	return ep, nil
}

// ParsePort parses a decimal TCP port in 1..65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// EndpointFromAddr converts a TCP net.Addr into an Endpoint.
func EndpointFromAddr(addr net.Addr) (Endpoint, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.Port <= 0 || tcp.Port > 65535 {
		return Endpoint{}, false
	}
	return Endpoint{Address: tcp.IP.String(), Port: uint16(tcp.Port)}, true //nolint:gosec // range checked above
}
