package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const APP_NAME = "settlement-relayer"

type SolanaConfig struct {
	RPCUrl            string  `mapstructure:"rpc_url" validate:"required,url"`
	ProgramID         string  `mapstructure:"program_id" validate:"required"`
	Commitment        string  `mapstructure:"commitment" validate:"oneof=processed confirmed finalized"`
	PollIntervalMs    uint64  `mapstructure:"poll_interval_ms" validate:"gt=0"`
	LookbackSlots     uint64  `mapstructure:"lookback_slots"`
	SignatureLimit    int     `mapstructure:"signature_limit" validate:"gt=0,lte=1000"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"gt=0"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
}

func (c *SolanaConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// DestinationConfig describes the settlement vault contract and the relayer signing key.
// One of private_key, mnemonic or encrypted_key must be set.
type DestinationConfig struct {
	ChainName       string        `mapstructure:"chain_name" validate:"required"`
	ChainID         uint64        `mapstructure:"chain_id" validate:"gt=0"`
	RPCUrl          string        `mapstructure:"rpc_url" validate:"required,url"`
	ContractAddress string        `mapstructure:"contract_address" validate:"required,hexprefix"`
	VaultOwner      string        `mapstructure:"vault_owner" validate:"required,hexprefix"`
	PrivateKey      string        `mapstructure:"private_key" validate:"omitempty,hexprefix"`
	Mnemonic        string        `mapstructure:"mnemonic"`
	WalletIndex     string        `mapstructure:"wallet_index"`
	EncryptedKey    string        `mapstructure:"encrypted_key"`
	KeyNonce        string        `mapstructure:"key_nonce"`
	GasLimit        uint64        `mapstructure:"gas_limit" validate:"gt=0"`
	GasUnitPrice    uint64        `mapstructure:"gas_unit_price"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout" validate:"gt=0"`
	CheckBalance    bool          `mapstructure:"check_balance"`
}

type ProcessingConfig struct {
	MaxConcurrentSettlements int           `mapstructure:"max_concurrent_settlements" validate:"gt=0"`
	BatchSize                int           `mapstructure:"batch_size" validate:"gt=0"`
	RetryAttempts            int           `mapstructure:"retry_attempts" validate:"gt=0"`
	RetryDelay               time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	SettlementTimeout        time.Duration `mapstructure:"settlement_timeout" validate:"gt=0"`
	AttemptTimeout           time.Duration `mapstructure:"attempt_timeout"`
	ReconcileInterval        time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	MetricsInterval          time.Duration `mapstructure:"metrics_interval" validate:"gt=0"`
	MaxReconcileRetries      uint32        `mapstructure:"max_reconcile_retries"`
	StoreRetryAttempts       int           `mapstructure:"store_retry_attempts" validate:"gt=0"`
	LatencyWindow            int           `mapstructure:"latency_window" validate:"gt=0"`
}

type MonitoringConfig struct {
	MetricsPort  int    `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`
	HealthPort   int    `mapstructure:"health_port" validate:"gte=0,lte=65535"`
	LogLevel     string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Environment  string `mapstructure:"environment"`
	OtlpEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type DatabaseConfig struct {
	URL           string `mapstructure:"url" validate:"required"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RabbitMQConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	URL             string `mapstructure:"url" validate:"required_if=Enabled true"`
	Queue           string `mapstructure:"queue" validate:"required_if=Enabled true"`
	QueueType       string `mapstructure:"queue_type"`
	RoutingKey      string `mapstructure:"routing_key"`
	PrefetchCount   int    `mapstructure:"prefetch_count"`
	IntentPublicKey string `mapstructure:"intent_public_key" validate:"required_if=Enabled true"`
}

type EventBusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type Config struct {
	Solana      SolanaConfig      `mapstructure:"solana"`
	Destination DestinationConfig `mapstructure:"destination"`
	Processing  ProcessingConfig  `mapstructure:"processing"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Database    DatabaseConfig    `mapstructure:"database"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	EventBus    EventBusConfig    `mapstructure:"event_bus"`
}

var GlobalConfig *Config

func SetDefaults(v *viper.Viper) {
	v.SetDefault("solana.rpc_url", "")
	v.SetDefault("solana.program_id", "")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.poll_interval_ms", 1000)
	v.SetDefault("solana.lookback_slots", 10)
	v.SetDefault("solana.signature_limit", 100)
	v.SetDefault("solana.max_retries", 3)
	v.SetDefault("solana.requests_per_second", 10)

	v.SetDefault("destination.chain_name", "aptos")
	v.SetDefault("destination.chain_id", 1)
	v.SetDefault("destination.rpc_url", "")
	v.SetDefault("destination.contract_address", "")
	v.SetDefault("destination.vault_owner", "")
	v.SetDefault("destination.private_key", "")
	v.SetDefault("destination.mnemonic", "")
	v.SetDefault("destination.wallet_index", "0")
	v.SetDefault("destination.encrypted_key", "")
	v.SetDefault("destination.key_nonce", "")
	v.SetDefault("destination.gas_limit", 200000)
	v.SetDefault("destination.gas_unit_price", 0)
	v.SetDefault("destination.tx_timeout", 30*time.Second)
	v.SetDefault("destination.check_balance", true)

	v.SetDefault("processing.max_concurrent_settlements", 10)
	v.SetDefault("processing.batch_size", 5)
	v.SetDefault("processing.retry_attempts", 3)
	v.SetDefault("processing.retry_delay", 5*time.Second)
	v.SetDefault("processing.settlement_timeout", 300*time.Second)
	v.SetDefault("processing.attempt_timeout", 0)
	v.SetDefault("processing.reconcile_interval", 5*time.Minute)
	v.SetDefault("processing.metrics_interval", 10*time.Second)
	v.SetDefault("processing.max_reconcile_retries", 5)
	v.SetDefault("processing.store_retry_attempts", 5)
	v.SetDefault("processing.latency_window", 1000)

	v.SetDefault("monitoring.metrics_port", 9090)
	v.SetDefault("monitoring.health_port", 8080)
	v.SetDefault("monitoring.log_level", "info")
	v.SetDefault("monitoring.environment", "production")
	v.SetDefault("monitoring.otlp_endpoint", "")
	v.SetDefault("monitoring.service_name", APP_NAME)

	v.SetDefault("database.url", "")
	v.SetDefault("database.mongo_database", "settlements")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.queue", "")
	v.SetDefault("rabbitmq.queue_type", "quorum")
	v.SetDefault("rabbitmq.routing_key", "")
	v.SetDefault("rabbitmq.prefetch_count", 10)
	v.SetDefault("rabbitmq.intent_public_key", "")

	v.SetDefault("event_bus.buffer_size", 256)
}

// LoadEnv loads a .env file when present. A missing file is not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// Load reads configuration from the global viper instance, so that cobra flags bound to it apply.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadWithViper(viper.GetViper(), configPath)
	if err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func LoadWithViper(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("RELAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "RELAYER_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("destination.private_key", "RELAYER_DESTINATION_PRIVATE_KEY", "RELAYER_PRIVATE_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EffectiveAttemptTimeout bounds a single submission attempt.
func (c *ProcessingConfig) EffectiveAttemptTimeout(txTimeout time.Duration) time.Duration {
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return txTimeout + 10*time.Second
}
