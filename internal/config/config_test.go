package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFMConfig() *Config {
	return &Config{
		Ledger: LedgerConfig{
			NodeURL:         "ws://10.5.99.1:3334",
			ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			PrivateKey:      "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		},
		Domain: DomainConfig{
			Role:      RoleConsumer,
			Name:      "operator-a",
			NodeID:    1,
			IPAddress: "10.5.99.1",
		},
	}
}

func TestValidateFM_OK(t *testing.T) {
	require.NoError(t, validFMConfig().ValidateFM())
}

func TestValidateFM_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing node url",
			mutate:  func(c *Config) { c.Ledger.NodeURL = "" },
			wantErr: "ledger.node_url",
		},
		{
			name:    "bad node url scheme",
			mutate:  func(c *Config) { c.Ledger.NodeURL = "tcp://10.5.99.1:3334" },
			wantErr: "ledger.node_url",
		},
		{
			name:    "bad contract address",
			mutate:  func(c *Config) { c.Ledger.ContractAddress = "not-an-address" },
			wantErr: "ledger.contract_address",
		},
		{
			name:    "bad role",
			mutate:  func(c *Config) { c.Domain.Role = "spectator" },
			wantErr: "domain.role",
		},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Domain.Name = "" },
			wantErr: "domain.name",
		},
		{
			name:    "zero node id",
			mutate:  func(c *Config) { c.Domain.NodeID = 0 },
			wantErr: "domain.node_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validFMConfig()
			tt.mutate(cfg)
			err := cfg.ValidateFM()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// A name longer than 14 characters would overflow the 32-byte service id at
// announce time; it has to be rejected at startup.
func TestValidateFM_DomainNameLengthBound(t *testing.T) {
	cfg := validFMConfig()
	cfg.Domain.Name = strings.Repeat("a", maxDomainNameLen)
	require.NoError(t, cfg.ValidateFM())

	cfg.Domain.Name = strings.Repeat("a", maxDomainNameLen+1)
	err := cfg.ValidateFM()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32-byte")
}
