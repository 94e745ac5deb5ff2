package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVxlanDerivation(t *testing.T) {
	assert.Equal(t, uint32(201), VxlanID(1))
	assert.Equal(t, uint32(230), VxlanID(30))
	assert.Equal(t, uint16(6001), VxlanPort(1))
	assert.Equal(t, uint16(6030), VxlanPort(30))
}

func TestDeriveSubnet(t *testing.T) {
	tests := []struct {
		net    string
		nodeID int
		want   string
	}{
		{"10.70.0.0/16", 1, "10.70.1.0/24"},
		{"10.70.0.0/16", 2, "10.70.2.0/24"},
		{"172.16.0.0/16", 30, "172.16.30.0/24"},
		{"10.0.0.0/8", 5, "10.0.5.0/24"},
	}
	for _, tt := range tests {
		got, err := DeriveSubnet(tt.net, tt.nodeID)
		require.NoError(t, err, tt.net)
		assert.Equal(t, tt.want, got)
	}
}

func TestDeriveSubnet_Errors(t *testing.T) {
	_, err := DeriveSubnet("not-a-cidr", 1)
	assert.Error(t, err)

	_, err = DeriveSubnet("10.70.0.0/24", 1)
	assert.Error(t, err, "narrower than /16 cannot be partitioned")

	_, err = DeriveSubnet("10.70.0.0/16", 300)
	assert.Error(t, err)

	_, err = DeriveSubnet("10.70.0.0/16", -1)
	assert.Error(t, err)
}
