package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
	}{
		{
			name: "full consumer endpoint",
			ep:   New("10.5.99.1", 201, 6001, "10.70.0.0/16"),
		},
		{
			name: "provider endpoint without vxlan parameters",
			ep:   NewProvider("10.5.99.2"),
		},
		{
			name: "max vxlan id and port",
			ep:   New("192.168.0.1", 1<<24-1, 65535, "172.16.0.0/24"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := tt.ep.Format()
			parsed, err := Parse(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.ep, parsed)
			// format(parse(s)) = s for canonical strings
			assert.Equal(t, wire, parsed.Format())
		})
	}
}

func TestParse_Canonical(t *testing.T) {
	wire := "ip_address=10.5.99.1;vxlan_id=201;vxlan_port=6001;federation_net=10.70.0.0/16"
	ep, err := Parse(wire)
	require.NoError(t, err)

	assert.Equal(t, "10.5.99.1", ep.IPAddress)
	require.NotNil(t, ep.VxlanID)
	assert.Equal(t, uint32(201), *ep.VxlanID)
	require.NotNil(t, ep.VxlanPort)
	assert.Equal(t, uint16(6001), *ep.VxlanPort)
	assert.Equal(t, "10.70.0.0/16", ep.FederationNet)
	assert.Equal(t, wire, ep.Format())
}

func TestParse_NoneFields(t *testing.T) {
	wire := "ip_address=10.5.99.2;vxlan_id=None;vxlan_port=None;federation_net=None"
	ep, err := Parse(wire)
	require.NoError(t, err)

	assert.Nil(t, ep.VxlanID)
	assert.Nil(t, ep.VxlanPort)
	assert.Empty(t, ep.FederationNet)
	assert.Equal(t, wire, ep.Format())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"missing field", "ip_address=10.0.0.1;vxlan_id=1;vxlan_port=1"},
		{"wrong field order", "vxlan_id=1;ip_address=10.0.0.1;vxlan_port=1;federation_net=None"},
		{"invalid ip", "ip_address=300.0.0.1;vxlan_id=1;vxlan_port=1;federation_net=None"},
		{"ipv6 rejected", "ip_address=::1;vxlan_id=1;vxlan_port=1;federation_net=None"},
		{"vxlan id zero", "ip_address=10.0.0.1;vxlan_id=0;vxlan_port=1;federation_net=None"},
		{"vxlan id too large", "ip_address=10.0.0.1;vxlan_id=16777216;vxlan_port=1;federation_net=None"},
		{"vxlan port zero", "ip_address=10.0.0.1;vxlan_id=1;vxlan_port=0;federation_net=None"},
		{"vxlan port too large", "ip_address=10.0.0.1;vxlan_id=1;vxlan_port=70000;federation_net=None"},
		{"bad cidr", "ip_address=10.0.0.1;vxlan_id=1;vxlan_port=1;federation_net=10.70.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.wire)
			assert.Error(t, err)
		})
	}
}
