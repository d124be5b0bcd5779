// Package config defines all configuration for the exchange engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QAX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	NodeID      string            `mapstructure:"node_id"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StorageConfig controls the LSM storage engine: WAL, memtables, SSTables,
// compaction and the OLTP->OLAP conversion sweep.
type StorageConfig struct {
	DataDir              string        `mapstructure:"data_dir"`
	WALSegmentMaxBytes   int64         `mapstructure:"wal_segment_max_bytes"`
	WALFsyncEveryWrite    bool          `mapstructure:"wal_fsync_every_write"`
	MemtableMaxRecords   int           `mapstructure:"memtable_max_records"`
	L0CompactionTrigger  int           `mapstructure:"l0_compaction_trigger"`
	LevelSizeRatio       int           `mapstructure:"level_size_ratio"`
	ConvertSweepInterval time.Duration `mapstructure:"convert_sweep_interval"`
	CompactionSchedule   string        `mapstructure:"compaction_schedule"` // cron expression
	ConvertSchedule      string        `mapstructure:"convert_schedule"`    // cron expression
}

// RiskConfig sets pre-trade and settlement risk limits.
type RiskConfig struct {
	MaxOrderValue         string        `mapstructure:"max_order_value"`
	MaxPositionPerAccount int64         `mapstructure:"max_position_per_account"`
	RiskRatioWarnLevel    string        `mapstructure:"risk_ratio_warn_level"`
	RiskRatioLiquidation  string        `mapstructure:"risk_ratio_liquidation"`
	PriceSanityBandPct    string        `mapstructure:"price_sanity_band_pct"`
	SettlementSchedule    string        `mapstructure:"settlement_schedule"` // cron expression
	SettlementTimeout     time.Duration `mapstructure:"settlement_timeout"`
}

// MatchingConfig tunes the matching engine.
type MatchingConfig struct {
	SelfTradePrevention bool `mapstructure:"self_trade_prevention"`
	CallAuctionEnabled  bool `mapstructure:"call_auction_enabled"`
}

// SnapshotConfig tunes the differential snapshot/DIFF protocol.
type SnapshotConfig struct {
	PeekTimeout     time.Duration `mapstructure:"peek_timeout"`
	PatchQueueDepth int           `mapstructure:"patch_queue_depth"`
}

// ReplicationConfig controls master/slave replication.
type ReplicationConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Role              string        `mapstructure:"role"` // master | slave | candidate
	ListenAddr        string        `mapstructure:"listen_addr"`
	MasterAddr        string        `mapstructure:"master_addr"`
	Peers             []string      `mapstructure:"peers"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	BatchMaxRecords   int           `mapstructure:"batch_max_records"`
	BatchMaxWait      time.Duration `mapstructure:"batch_max_wait"`
	QuorumSize        int           `mapstructure:"quorum_size"`
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`
}

// ServerConfig controls the HTTP/WS API surface.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	AdminToken        string        `mapstructure:"admin_token"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTExpiry         time.Duration `mapstructure:"jwt_expiry"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
	WSHeartbeat       time.Duration `mapstructure:"ws_heartbeat"`
	WSReadTimeout     time.Duration `mapstructure:"ws_read_timeout"`
	OrderRateBurst    float64       `mapstructure:"order_rate_burst"`
	OrderRatePerSec   float64       `mapstructure:"order_rate_per_sec"`
	CancelRateBurst   float64       `mapstructure:"cancel_rate_burst"`
	CancelRatePerSec  float64       `mapstructure:"cancel_rate_per_sec"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QAX_ADMIN_TOKEN, QAX_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QAX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if tok := os.Getenv("QAX_ADMIN_TOKEN"); tok != "" {
		cfg.Server.AdminToken = tok
	}
	if secret := os.Getenv("QAX_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.WALSegmentMaxBytes <= 0 {
		return fmt.Errorf("storage.wal_segment_max_bytes must be > 0")
	}
	if c.Storage.MemtableMaxRecords <= 0 {
		return fmt.Errorf("storage.memtable_max_records must be > 0")
	}
	if c.Storage.LevelSizeRatio <= 1 {
		return fmt.Errorf("storage.level_size_ratio must be > 1")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (set QAX_JWT_SECRET)")
	}
	if c.Server.BcryptCost < 4 || c.Server.BcryptCost > 31 {
		return fmt.Errorf("server.bcrypt_cost must be between 4 and 31")
	}
	if c.Replication.Enabled {
		switch c.Replication.Role {
		case "master", "slave", "candidate":
		default:
			return fmt.Errorf("replication.role must be one of: master, slave, candidate")
		}
		if c.Replication.QuorumSize <= 0 {
			return fmt.Errorf("replication.quorum_size must be > 0 when replication is enabled")
		}
	}
	return nil
}
