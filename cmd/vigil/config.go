package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/pipeline"
)

const (
	defaultBindHost        = "127.0.0.1"
	defaultTCPPort         = 4000
	defaultAPIPort         = 3000
	defaultOTLPPort        = 4317
	defaultMuxBufferSize   = DefaultMuxBuffer
	defaultBufferCapacity  = model.DefaultBufferCapacity
	defaultSubmitWait      = model.DefaultSubmitWait
	defaultBatchSize       = model.DefaultBatchSize
	defaultBatchTimeout    = model.DefaultBatchTimeout
	defaultRetryLimit      = model.DefaultRetryLimit
	defaultInitialBackoff  = 100 * time.Millisecond
	defaultMaxBackoff      = 5 * time.Second
	defaultDedupShards     = model.DefaultDedupShards
	defaultSweepInterval   = model.DefaultSweepInterval
	defaultDispatchWorkers = model.DefaultDispatchWorkers
	defaultTopic           = model.DefaultAlertTopic
	defaultDrainTimeout    = 30 * time.Second
	defaultQueryTimeout    = 30 * time.Second
	defaultBackupInterval  = 6 * time.Hour
	defaultBackupKeepLast  = 24
	defaultLedgerTTL       = 7 * 24 * time.Hour
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host string `mapstructure:"host"`

	TCPEnabled    bool     `mapstructure:"tcp-enabled"`
	TCPPort       int      `mapstructure:"tcp-port"`
	TCPAddr       string   `mapstructure:"tcp-addr"`
	MaxConns      int      `mapstructure:"tcp-max-connections"`
	MaxLineSize   int      `mapstructure:"max-line-size"`
	Files         []string `mapstructure:"files"`
	MuxBufferSize int      `mapstructure:"mux-buffer-size"`

	APIEnabled  bool   `mapstructure:"api-enabled"`
	APIPort     int    `mapstructure:"api-port"`
	APIAddr     string `mapstructure:"api-addr"`
	OTLPEnabled bool   `mapstructure:"otlp-enabled"`
	OTLPPort    int    `mapstructure:"otlp-port"`
	OTLPAddr    string `mapstructure:"otlp-addr"`

	RulesPath string `mapstructure:"rules"`

	BufferCapacity int           `mapstructure:"buffer-capacity"`
	SubmitWait     time.Duration `mapstructure:"submit-wait"`
	JournalEnabled bool          `mapstructure:"journal-enabled"`
	JournalPath    string        `mapstructure:"journal-path"`

	ArchiveDir            string        `mapstructure:"archive-dir"`
	ArchivePrefix         string        `mapstructure:"archive-prefix"`
	ArchiveBucketURL      string        `mapstructure:"archive-bucket-url"`
	S3Endpoint            string        `mapstructure:"s3-endpoint"`
	S3Region              string        `mapstructure:"s3-region"`
	S3AccessKey           string        `mapstructure:"s3-access-key"`
	S3SecretKey           string        `mapstructure:"s3-secret-key"`
	S3SessionToken        string        `mapstructure:"s3-session-token"`
	S3UseSSL              bool          `mapstructure:"s3-use-ssl"`
	S3PathStyle           bool          `mapstructure:"s3-path-style"`
	SpillPath             string        `mapstructure:"spill-path"`
	BatchSize             int           `mapstructure:"batch-size"`
	BatchTimeout          time.Duration `mapstructure:"batch-timeout"`
	ArchiveRetryLimit     int           `mapstructure:"archive-retry-limit"`
	ArchiveInitialBackoff time.Duration `mapstructure:"archive-initial-backoff"`
	ArchiveMaxBackoff     time.Duration `mapstructure:"archive-max-backoff"`

	ClassifierPartitions int           `mapstructure:"classifier-partitions"`
	DedupShards          int           `mapstructure:"dedup-shards"`
	SweepInterval        time.Duration `mapstructure:"sweep-interval"`

	StoreDriver  string        `mapstructure:"store"`
	DBPath       string        `mapstructure:"db-path"`
	PostgresDSN  string        `mapstructure:"postgres-dsn"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	BusDriver      string        `mapstructure:"bus"`
	KafkaBrokers   []string      `mapstructure:"kafka-brokers"`
	Topic          string        `mapstructure:"topic"`
	PublishTimeout time.Duration `mapstructure:"publish-timeout"`

	RedisAddr     string        `mapstructure:"redis-addr"`
	RedisPassword string        `mapstructure:"redis-password"`
	RedisDB       int           `mapstructure:"redis-db"`
	LedgerTTL     time.Duration `mapstructure:"ledger-ttl"`

	DispatchWorkers        int           `mapstructure:"dispatch-workers"`
	DispatchRetryLimit     int           `mapstructure:"dispatch-retry-limit"`
	DispatchInitialBackoff time.Duration `mapstructure:"dispatch-initial-backoff"`
	DispatchMaxBackoff     time.Duration `mapstructure:"dispatch-max-backoff"`
	DeadLetterPath         string        `mapstructure:"dead-letter-path"`

	DrainTimeout time.Duration `mapstructure:"drain-timeout"`

	BackupEnabled  bool          `mapstructure:"backup-enabled"`
	BackupInterval time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir string        `mapstructure:"backup-local-dir"`
	BackupKeepLast int           `mapstructure:"backup-keep-last"`
	BackupUpload   bool          `mapstructure:"backup-upload"`

	TracingEndpoint string  `mapstructure:"tracing-endpoint"`
	TracingInsecure bool    `mapstructure:"tracing-insecure"`
	TracingSampling float64 `mapstructure:"tracing-sampling"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "vigil")

	v := viper.New()
	v.SetEnvPrefix("VIGIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("max-line-size", 0)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("otlp-enabled", true)
	v.SetDefault("otlp-port", defaultOTLPPort)
	v.SetDefault("rules", filepath.Join(home, ".config", "vigil", "rules.yml"))
	v.SetDefault("buffer-capacity", defaultBufferCapacity)
	v.SetDefault("submit-wait", defaultSubmitWait)
	v.SetDefault("journal-enabled", true)
	v.SetDefault("journal-path", filepath.Join(dataDir, "ingest.journal"))
	v.SetDefault("archive-dir", filepath.Join(dataDir, "archive"))
	v.SetDefault("archive-prefix", "")
	v.SetDefault("s3-use-ssl", true)
	v.SetDefault("spill-path", filepath.Join(dataDir, "spill.jsonl"))
	v.SetDefault("batch-size", defaultBatchSize)
	v.SetDefault("batch-timeout", defaultBatchTimeout)
	v.SetDefault("archive-retry-limit", defaultRetryLimit)
	v.SetDefault("archive-initial-backoff", defaultInitialBackoff)
	v.SetDefault("archive-max-backoff", defaultMaxBackoff)
	v.SetDefault("classifier-partitions", pipeline.DefaultClassifierPartitions)
	v.SetDefault("dedup-shards", defaultDedupShards)
	v.SetDefault("sweep-interval", defaultSweepInterval)
	v.SetDefault("store", "duckdb")
	v.SetDefault("db-path", filepath.Join(dataDir, "vigil.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("bus", "memory")
	v.SetDefault("topic", defaultTopic)
	v.SetDefault("publish-timeout", 10*time.Second)
	v.SetDefault("ledger-ttl", defaultLedgerTTL)
	v.SetDefault("dispatch-workers", defaultDispatchWorkers)
	v.SetDefault("dispatch-retry-limit", defaultRetryLimit)
	v.SetDefault("dispatch-initial-backoff", defaultInitialBackoff)
	v.SetDefault("dispatch-max-backoff", defaultMaxBackoff)
	v.SetDefault("dead-letter-path", filepath.Join(dataDir, "dead-letters.jsonl"))
	v.SetDefault("drain-timeout", defaultDrainTimeout)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("tracing-sampling", 1.0)

	// Keys without a meaningful default are registered so AutomaticEnv can
	// still populate them on Unmarshal.
	for _, key := range []string{
		"tcp-addr", "api-addr", "otlp-addr", "archive-bucket-url", "s3-endpoint", "s3-region",
		"s3-access-key", "s3-secret-key", "s3-session-token", "postgres-dsn", "redis-addr",
		"redis-password", "tracing-endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("files", []string{})
	v.SetDefault("kafka-brokers", []string{})
	v.SetDefault("tcp-max-connections", 0)
	v.SetDefault("redis-db", 0)
	v.SetDefault("s3-path-style", false)
	v.SetDefault("backup-upload", false)
	v.SetDefault("tracing-insecure", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "vigil", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	for _, p := range []*string{&cfg.DBPath, &cfg.JournalPath, &cfg.ArchiveDir, &cfg.SpillPath,
		&cfg.DeadLetterPath, &cfg.BackupLocalDir, &cfg.RulesPath} {
		*p = expandHome(home, *p)
	}
	for i := range cfg.Files {
		cfg.Files[i] = expandHome(home, cfg.Files[i])
	}

	if cfg.Host == "" {
		cfg.Host = defaultBindHost
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	if cfg.OTLPAddr == "" {
		cfg.OTLPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.OTLPPort))
	}
	return cfg, nil
}

func (cfg appConfig) validate() error {
	for name, port := range map[string]int{"tcp-port": cfg.TCPPort, "api-port": cfg.APIPort, "otlp-port": cfg.OTLPPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if cfg.BufferCapacity <= 0 {
		return fmt.Errorf("invalid buffer-capacity: %d", cfg.BufferCapacity)
	}
	if cfg.SubmitWait < 0 {
		return fmt.Errorf("invalid submit-wait: %s", cfg.SubmitWait)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("invalid batch-size: %d", cfg.BatchSize)
	}
	if cfg.DrainTimeout <= 0 {
		return fmt.Errorf("invalid drain-timeout: %s", cfg.DrainTimeout)
	}
	if cfg.ArchiveRetryLimit < 0 || cfg.DispatchRetryLimit < 0 {
		return errors.New("retry limits must not be negative")
	}
	switch cfg.StoreDriver {
	case "duckdb":
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("postgres-dsn is required when store is postgres")
		}
	default:
		return fmt.Errorf("invalid store %q: want duckdb or postgres", cfg.StoreDriver)
	}
	switch cfg.BusDriver {
	case "memory":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return errors.New("kafka-brokers is required when bus is kafka")
		}
	default:
		return fmt.Errorf("invalid bus %q: want memory or kafka", cfg.BusDriver)
	}
	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if cfg.StoreDriver != "duckdb" {
			return errors.New("backup-enabled requires the duckdb store")
		}
		if cfg.BackupUpload && cfg.ArchiveBucketURL == "" {
			return errors.New("backup-upload requires archive-bucket-url")
		}
	}
	if cfg.ArchiveBucketURL != "" && (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return errors.New("s3-access-key and s3-secret-key must be set together")
	}
	return nil
}

// submitWait maps the config value onto pipeline semantics, where zero
// means the package default and a negative wait rejects immediately.
func (cfg appConfig) submitWait() time.Duration {
	if cfg.SubmitWait == 0 {
		return -1
	}
	return cfg.SubmitWait
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
