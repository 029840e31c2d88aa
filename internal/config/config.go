// Package config loads Synap's configuration from environment variables
// parsed through caarlos0/env, with an optional .env file for local
// development via joho/godotenv.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// FsyncMode is one of the three WAL durability modes.
type FsyncMode string

const (
	FsyncAlways   FsyncMode = "always"
	FsyncPeriodic FsyncMode = "periodic"
	FsyncNever    FsyncMode = "never"
)

// ReplicationRole is one of the three node roles.
type ReplicationRole string

const (
	RoleStandalone ReplicationRole = "standalone"
	RoleMaster     ReplicationRole = "master"
	RoleReplica    ReplicationRole = "replica"
)

// Config holds every recognised option, plus the ambient process
// settings (logging, data directory) carried regardless of which
// features are in scope.
type Config struct {
	// Data directory
	DataDir string `env:"SYNAP_DATA_DIR" envDefault:"./data"`

	// Persistence
	PersistenceEnabled     bool          `env:"SYNAP_PERSISTENCE_ENABLED" envDefault:"true"`
	FsyncMode              FsyncMode     `env:"SYNAP_FSYNC_MODE" envDefault:"periodic"`
	WalBatchWindowUs       int           `env:"SYNAP_WAL_BATCH_WINDOW_US" envDefault:"100"`
	WalBatchMaxOps         int           `env:"SYNAP_WAL_BATCH_MAX_OPS" envDefault:"10000"`
	SnapshotIntervalSecs   int           `env:"SYNAP_SNAPSHOT_INTERVAL_SECS" envDefault:"300"`
	PeriodicFsyncInterval  time.Duration `env:"SYNAP_PERIODIC_FSYNC_INTERVAL" envDefault:"10ms"`

	// KV store
	KVNumShards          int `env:"SYNAP_KV_NUM_SHARDS" envDefault:"64"`
	KVTTLSweepIntervalMs int `env:"SYNAP_KV_TTL_SWEEP_INTERVAL_MS" envDefault:"1000"`
	KVTTLSampleSize      int `env:"SYNAP_KV_TTL_SAMPLE_SIZE" envDefault:"20"`
	KVTrieThreshold      int `env:"SYNAP_KV_TRIE_THRESHOLD" envDefault:"10000"`
	KVMaxValueBytes      int `env:"SYNAP_KV_MAX_VALUE_BYTES" envDefault:"8388608"`

	// Queue
	QueueDefaultAckDeadlineSecs    int `env:"SYNAP_QUEUE_DEFAULT_ACK_DEADLINE_SECS" envDefault:"30"`
	QueueDefaultMaxRetries         int `env:"SYNAP_QUEUE_DEFAULT_MAX_RETRIES" envDefault:"3"`
	QueueDeadlineCheckIntervalMs   int `env:"SYNAP_QUEUE_DEADLINE_CHECK_INTERVAL_MS" envDefault:"1000"`

	// Stream
	StreamDefaultCapacity       int `env:"SYNAP_STREAM_DEFAULT_CAPACITY" envDefault:"10000"`
	StreamCompactionIntervalMs int `env:"SYNAP_STREAM_COMPACTION_INTERVAL_MS" envDefault:"60000"`

	// Pub/sub
	PubSubSubscriberBuffer   int `env:"SYNAP_PUBSUB_SUBSCRIBER_BUFFER" envDefault:"256"`
	PubSubMaxPublishPerSec   int `env:"SYNAP_PUBSUB_MAX_PUBLISH_PER_SEC" envDefault:"0"`

	// Replication
	ReplicationRole              ReplicationRole `env:"SYNAP_REPLICATION_ROLE" envDefault:"standalone"`
	ReplicationListenAddr        string          `env:"SYNAP_REPLICATION_LISTEN_ADDR" envDefault:":15501"`
	ReplicationMasterAddr        string          `env:"SYNAP_REPLICATION_MASTER_ADDR" envDefault:""`
	ReplicationLogSize           int             `env:"SYNAP_REPLICATION_LOG_SIZE" envDefault:"10000"`
	ReplicationHeartbeatMs       int             `env:"SYNAP_REPLICATION_HEARTBEAT_MS" envDefault:"1000"`
	ReplicationReconnectBaseMs   int             `env:"SYNAP_REPLICATION_RECONNECT_BASE_MS" envDefault:"200"`
	ReplicationReconnectCapMs    int             `env:"SYNAP_REPLICATION_RECONNECT_CAP_MS" envDefault:"5000"`
	ReplicationMaxLagMs          int             `env:"SYNAP_REPLICATION_MAX_LAG_MS" envDefault:"5000"`

	// Resource guard (gopsutil-backed, component K)
	ResourceDiskRejectPercent float64 `env:"SYNAP_RESOURCE_DISK_REJECT_PERCENT" envDefault:"95.0"`
	ResourceMemRejectPercent  float64 `env:"SYNAP_RESOURCE_MEM_REJECT_PERCENT" envDefault:"90.0"`

	// Optional external ingestion bridge (component L)
	BridgeKafkaEnabled bool     `env:"SYNAP_BRIDGE_KAFKA_ENABLED" envDefault:"false"`
	BridgeKafkaBrokers []string `env:"SYNAP_BRIDGE_KAFKA_BROKERS" envSeparator:","`
	BridgeKafkaTopics  []string `env:"SYNAP_BRIDGE_KAFKA_TOPICS" envSeparator:","`
	BridgeKafkaGroup   string   `env:"SYNAP_BRIDGE_KAFKA_GROUP" envDefault:"synap-bridge"`

	// Logging
	LogLevel  string `env:"SYNAP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SYNAP_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables, validating
// the result: .env is optional, env vars win, validation failures are
// fatal to startup.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants the env tags can't express.
func (c *Config) Validate() error {
	switch c.FsyncMode {
	case FsyncAlways, FsyncPeriodic, FsyncNever:
	default:
		return fmt.Errorf("invalid fsync mode %q", c.FsyncMode)
	}
	switch c.ReplicationRole {
	case RoleStandalone, RoleMaster, RoleReplica:
	default:
		return fmt.Errorf("invalid replication role %q", c.ReplicationRole)
	}
	if c.ReplicationRole == RoleReplica && c.ReplicationMasterAddr == "" {
		return fmt.Errorf("replication role %q requires SYNAP_REPLICATION_MASTER_ADDR", c.ReplicationRole)
	}
	if c.KVNumShards <= 0 {
		return fmt.Errorf("kv.num_shards must be positive")
	}
	if c.BridgeKafkaEnabled && len(c.BridgeKafkaBrokers) == 0 {
		return fmt.Errorf("bridge.kafka.enabled requires at least one broker")
	}
	return nil
}
