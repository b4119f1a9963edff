package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostEndpoint(t *testing.T) {
	testCases := []struct {
		name     string
		address  string
		expected HostEndpoint
	}{
		{"HostOnly", "node1.example.com", HostEndpoint{Host: "node1.example.com", Port: 11210}},
		{"HostAndPort", "node1.example.com:11207", HostEndpoint{Host: "node1.example.com", Port: 11207}},
		{"IPv4", "10.0.0.1:8091", HostEndpoint{Host: "10.0.0.1", Port: 8091}},
		{"BareIPv6", "fe80::1", HostEndpoint{Host: "fe80::1", Port: 11210}},
		{"BracketedIPv6", "[fe80::1]", HostEndpoint{Host: "fe80::1", Port: 11210}},
		{"BracketedIPv6AndPort", "[::1]:12000", HostEndpoint{Host: "::1", Port: 12000}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := ParseHostEndpoint(tc.address, 11210)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ep)
		})
	}
}

func TestParseHostEndpointErrors(t *testing.T) {
	for _, address := range []string{
		"",
		"[::1",
		"[::1]x",
		":11210",
		"node1:abc",
		"node1:70000",
	} {
		_, err := ParseHostEndpoint(address, 11210)
		assert.Error(t, err, "address %q", address)
	}
}

func TestHostEndpointString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:11210", HostEndpoint{Host: "10.0.0.1", Port: 11210}.String())
	assert.Equal(t, "[::1]:11210", HostEndpoint{Host: "::1", Port: 11210}.String())
	assert.True(t, HostEndpoint{}.IsZero())
}
