// Package config provides configuration loading for the FM and DO services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Role identifies which side of the federation protocol this domain plays.
type Role string

const (
	// RoleConsumer announces services and selects providers.
	RoleConsumer Role = "consumer"
	// RoleProvider bids on announcements and deploys winners.
	RoleProvider Role = "provider"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Domain       DomainConfig       `mapstructure:"domain"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// LedgerConfig holds blockchain node and contract configuration.
type LedgerConfig struct {
	NodeURL         string        `mapstructure:"node_url"`         // ws:// or http://
	ContractAddress string        `mapstructure:"contract_address"` // EIP-55
	PrivateKey      string        `mapstructure:"private_key"`      // hex, no 0x prefix required
	GasLimit        uint64        `mapstructure:"gas_limit"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
	EventLookback   uint64        `mapstructure:"event_lookback"` // blocks
}

// DomainConfig identifies this administrative domain.
type DomainConfig struct {
	Role              Role   `mapstructure:"role"`
	Name              string `mapstructure:"name"`
	NodeID            int    `mapstructure:"node_id"`
	IPAddress         string `mapstructure:"ip_address"`         // host address used as VXLAN endpoint
	Interface         string `mapstructure:"interface"`          // parent device for VXLAN links
	FederationNet     string `mapstructure:"federation_net"`     // consumer /16, e.g. 10.70.0.0/16
	WorkloadContainer string `mapstructure:"workload_container"` // consumer-side container to stitch and probe from
	WorkloadImage     string `mapstructure:"workload_image"`     // provider-side image deployed for winners
}

// OrchestratorConfig holds DO coordinates (for the FM) and runtime options (for the DO).
type OrchestratorConfig struct {
	URL            string        `mapstructure:"url"` // DO base URL as seen from the FM
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DeployTimeout  time.Duration `mapstructure:"deploy_timeout"`
}

// DatabaseConfig holds the optional PostgreSQL run store configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds the optional Redis configuration used for rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TelemetryConfig controls phase measurement output.
type TelemetryConfig struct {
	CSVDir string `mapstructure:"csv_dir"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mec-federation")

	// Enable environment variable override
	v.SetEnvPrefix("FEDERATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Explicitly bind nested keys (nested struct issue with viper)
	v.BindEnv("ledger.node_url", "FEDERATION_LEDGER_NODE_URL")
	v.BindEnv("ledger.contract_address", "FEDERATION_LEDGER_CONTRACT_ADDRESS")
	v.BindEnv("ledger.private_key", "FEDERATION_LEDGER_PRIVATE_KEY")
	v.BindEnv("domain.role", "FEDERATION_DOMAIN_ROLE")
	v.BindEnv("domain.name", "FEDERATION_DOMAIN_NAME")
	v.BindEnv("domain.node_id", "FEDERATION_DOMAIN_NODE_ID")
	v.BindEnv("domain.ip_address", "FEDERATION_DOMAIN_IP_ADDRESS")
	v.BindEnv("orchestrator.url", "FEDERATION_ORCHESTRATOR_URL")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// maxDomainNameLen keeps generated service ids ("service" + 10-digit unix
// seconds + "-" + name) inside the ledger's 32-byte id fields.
const maxDomainNameLen = 32 - len("service") - 10 - len("-")

// ValidateFM checks the variables the Federation Manager cannot start without.
func (c *Config) ValidateFM() error {
	if c.Ledger.NodeURL == "" {
		return fmt.Errorf("ledger.node_url is required")
	}
	if !strings.HasPrefix(c.Ledger.NodeURL, "ws://") && !strings.HasPrefix(c.Ledger.NodeURL, "wss://") &&
		!strings.HasPrefix(c.Ledger.NodeURL, "http://") && !strings.HasPrefix(c.Ledger.NodeURL, "https://") {
		return fmt.Errorf("ledger.node_url must be a ws:// or http:// URL, got %q", c.Ledger.NodeURL)
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("ledger.contract_address is not a valid address: %q", c.Ledger.ContractAddress)
	}
	if c.Ledger.PrivateKey == "" {
		return fmt.Errorf("ledger.private_key is required")
	}
	if c.Domain.Role != RoleConsumer && c.Domain.Role != RoleProvider {
		return fmt.Errorf("domain.role must be %q or %q, got %q", RoleConsumer, RoleProvider, c.Domain.Role)
	}
	if c.Domain.Name == "" {
		return fmt.Errorf("domain.name is required")
	}
	if len(c.Domain.Name) > maxDomainNameLen {
		return fmt.Errorf("domain.name must be at most %d characters: service ids embed it in a 32-byte ledger field, got %q (%d)", maxDomainNameLen, c.Domain.Name, len(c.Domain.Name))
	}
	if c.Domain.NodeID <= 0 {
		return fmt.Errorf("domain.node_id must be a positive integer")
	}
	if c.Domain.IPAddress == "" {
		return fmt.Errorf("domain.ip_address is required")
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "180s") // federation runs respond synchronously
	v.SetDefault("server.environment", "dev")

	// Ledger defaults
	v.SetDefault("ledger.gas_limit", 3000000)
	v.SetDefault("ledger.receipt_timeout", "60s")
	v.SetDefault("ledger.event_lookback", 10)

	// Domain defaults
	v.SetDefault("domain.interface", "eth0")
	v.SetDefault("domain.federation_net", "10.70.0.0/16")
	v.SetDefault("domain.workload_container", "mec-app")
	v.SetDefault("domain.workload_image", "mec-app:latest")

	// Orchestrator defaults
	v.SetDefault("orchestrator.url", "http://localhost:8070")
	v.SetDefault("orchestrator.request_timeout", "30s")
	v.SetDefault("orchestrator.deploy_timeout", "90s")

	// Database defaults (run store is opt-in)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "federation")
	v.SetDefault("database.password", "federation")
	v.SetDefault("database.database", "federation")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults (rate limiting is opt-in)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Telemetry defaults
	v.SetDefault("telemetry.csv_dir", "results")
}
