package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"go.edirelay.tech/internal/common/secrets"
	"go.edirelay.tech/internal/edi"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP      TOMLHTTPConfig      `toml:"http"`
	MongoDB   TOMLMongoDBConfig   `toml:"mongodb"`
	Repo      TOMLRepoConfig      `toml:"repo"`
	Queue     TOMLQueueConfig     `toml:"queue"`
	Engine    TOMLEngineConfig    `toml:"engine"`
	Scheduler TOMLSchedulerConfig `toml:"scheduler"`
	Leader    TOMLLeaderConfig    `toml:"leader"`
	Secrets   secrets.Config      `toml:"secrets"`
	DataDir   string              `toml:"data_dir"`
	DevMode   bool                `toml:"dev_mode"`

	BackendTypes  []TOMLBackendType  `toml:"backend_types"`
	Backends      []TOMLBackend      `toml:"backends"`
	ExchangeTypes []TOMLExchangeType `toml:"exchange_types"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLRepoConfig represents repository configuration in TOML
type TOMLRepoConfig struct {
	Type string `toml:"type"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLEngineConfig represents engine configuration in TOML
type TOMLEngineConfig struct {
	Concurrency        int    `toml:"concurrency"`
	QueueCapacity      int    `toml:"queue_capacity"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	RetryDelay         string `toml:"retry_delay"`
	ConfigErrorDelay   string `toml:"config_error_delay"`
	StallThreshold     string `toml:"stall_threshold"`
	MaxRestartAttempts int    `toml:"max_restart_attempts"`
}

// TOMLSchedulerConfig represents scheduler configuration in TOML
type TOMLSchedulerConfig struct {
	PollInterval        string `toml:"poll_interval"`
	BatchSize           int    `toml:"batch_size"`
	InboundPollInterval string `toml:"inbound_poll_interval"`
	StaleThreshold      string `toml:"stale_threshold"`
	StaleCheckInterval  string `toml:"stale_check_interval"`
	GaugeInterval       string `toml:"gauge_interval"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	Provider        string `toml:"provider"`
	RedisAddr       string `toml:"redis_addr"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLBackendType declares a backend type in TOML
type TOMLBackendType struct {
	Code string `toml:"code"`
	Name string `toml:"name"`
}

// TOMLBackend declares a backend in TOML
type TOMLBackend struct {
	ID       string            `toml:"id"`
	Name     string            `toml:"name"`
	Type     string            `toml:"type"`
	Enabled  bool              `toml:"enabled"`
	Settings map[string]string `toml:"settings"`
}

// TOMLExchangeType declares an exchange type in TOML
type TOMLExchangeType struct {
	Code            string `toml:"code"`
	Name            string `toml:"name"`
	BackendType     string `toml:"backend_type"`
	Direction       string `toml:"direction"`
	Model           string `toml:"model"`
	FilenamePattern string `toml:"filename_pattern"`
	FileExt         string `toml:"file_ext"`
	FilenameMatch   string `toml:"filename_match"`
	AutoGenerate    bool   `toml:"auto_generate"`
	AckNeeded       bool   `toml:"ack_needed"`
	AckType         string `toml:"ack_type"`

	RetryMaxAttempts   int     `toml:"retry_max_attempts"`
	RetryBackoff       string  `toml:"retry_backoff"`
	RetryBackoffFactor float64 `toml:"retry_backoff_factor"`
	RetryBackoffMax    string  `toml:"retry_backoff_max"`
}

// Declarations is the backend and exchange type catalog from the config
// file, kept in declaration order.
type Declarations struct {
	BackendTypes  []*edi.BackendType
	Backends      []*edi.Backend
	ExchangeTypes []*edi.ExchangeType
}

// BuildRegistry loads the declared catalog into a fresh type registry.
func (d *Declarations) BuildRegistry() (*edi.TypeRegistry, error) {
	reg := edi.NewTypeRegistry()
	for _, bt := range d.BackendTypes {
		if err := reg.AddBackendType(bt); err != nil {
			return nil, fmt.Errorf("backend type %s: %w", bt.Code, err)
		}
	}
	for _, xt := range d.ExchangeTypes {
		if err := reg.AddExchangeType(xt); err != nil {
			return nil, fmt.Errorf("exchange type %s: %w", xt.Code, err)
		}
	}
	for _, b := range d.Backends {
		if err := reg.AddBackend(b); err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.ID, err)
		}
	}
	return reg, nil
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"edirelay.toml",
	"./config/config.toml",
	"/etc/edirelay/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from env defaults, then overrides with
// the config file when one is found. The declared backend and exchange
// type catalog only comes from the file.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("EDIRELAY_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	merged := mergeConfigs(cfg, fileCfg)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", configPath, err)
	}
	return merged, nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Repo: RepoConfig{
			Type: tc.Repo.Type,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Engine: EngineConfig{
			Concurrency:        tc.Engine.Concurrency,
			QueueCapacity:      tc.Engine.QueueCapacity,
			RateLimitPerMinute: tc.Engine.RateLimitPerMinute,
			RetryDelay:         parseDuration(tc.Engine.RetryDelay),
			ConfigErrorDelay:   parseDuration(tc.Engine.ConfigErrorDelay),
			StallThreshold:     parseDuration(tc.Engine.StallThreshold),
			MaxRestartAttempts: tc.Engine.MaxRestartAttempts,
		},
		Scheduler: SchedulerConfig{
			PollInterval:        parseDuration(tc.Scheduler.PollInterval),
			BatchSize:           tc.Scheduler.BatchSize,
			InboundPollInterval: parseDuration(tc.Scheduler.InboundPollInterval),
			StaleThreshold:      parseDuration(tc.Scheduler.StaleThreshold),
			StaleCheckInterval:  parseDuration(tc.Scheduler.StaleCheckInterval),
			GaugeInterval:       parseDuration(tc.Scheduler.GaugeInterval),
		},
		Leader: LeaderConfig{
			Enabled:         tc.Leader.Enabled,
			Provider:        tc.Leader.Provider,
			RedisAddr:       tc.Leader.RedisAddr,
			InstanceID:      tc.Leader.InstanceID,
			TTL:             parseDuration(tc.Leader.TTL),
			RefreshInterval: parseDuration(tc.Leader.RefreshInterval),
		},
		Secrets: tc.Secrets,
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	for _, bt := range tc.BackendTypes {
		cfg.Declarations.BackendTypes = append(cfg.Declarations.BackendTypes, &edi.BackendType{
			Code: bt.Code,
			Name: bt.Name,
		})
	}
	for _, b := range tc.Backends {
		cfg.Declarations.Backends = append(cfg.Declarations.Backends, &edi.Backend{
			ID:       b.ID,
			Name:     b.Name,
			TypeCode: b.Type,
			Enabled:  b.Enabled,
			Settings: b.Settings,
		})
	}
	for _, xt := range tc.ExchangeTypes {
		retry := edi.DefaultRetryPolicy()
		if xt.RetryMaxAttempts > 0 {
			retry.MaxAttempts = xt.RetryMaxAttempts
		}
		if d := parseDuration(xt.RetryBackoff); d > 0 {
			retry.Backoff = d
		}
		if xt.RetryBackoffFactor > 0 {
			retry.BackoffFactor = xt.RetryBackoffFactor
		}
		if d := parseDuration(xt.RetryBackoffMax); d > 0 {
			retry.BackoffMax = d
		}
		cfg.Declarations.ExchangeTypes = append(cfg.Declarations.ExchangeTypes, &edi.ExchangeType{
			Code:            xt.Code,
			Name:            xt.Name,
			BackendTypeCode: xt.BackendType,
			Direction:       edi.Direction(xt.Direction),
			Model:           xt.Model,
			FilenamePattern: xt.FilenamePattern,
			FileExt:         xt.FileExt,
			FilenameMatch:   xt.FilenameMatch,
			AutoGenerate:    xt.AutoGenerate,
			AckNeeded:       xt.AckNeeded,
			AckTypeCode:     xt.AckType,
			Retry:           retry,
		})
	}

	return cfg, nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mergeConfigs layers the file config over the env config. Env values win
// only where the file leaves a field at its zero value.
func mergeConfigs(env, file *Config) *Config {
	result := *file

	// HTTP
	if result.HTTP.Port == 0 {
		result.HTTP.Port = env.HTTP.Port
	}
	if len(result.HTTP.CORSOrigins) == 0 {
		result.HTTP.CORSOrigins = env.HTTP.CORSOrigins
	}

	// MongoDB
	if result.MongoDB.URI == "" {
		result.MongoDB.URI = env.MongoDB.URI
	}
	if result.MongoDB.Database == "" {
		result.MongoDB.Database = env.MongoDB.Database
	}

	// Repo
	if result.Repo.Type == "" {
		result.Repo.Type = env.Repo.Type
	}

	// Queue
	if result.Queue.Type == "" {
		result.Queue.Type = env.Queue.Type
	}
	if result.Queue.NATS.URL == "" {
		result.Queue.NATS.URL = env.Queue.NATS.URL
	}
	if result.Queue.NATS.DataDir == "" {
		result.Queue.NATS.DataDir = env.Queue.NATS.DataDir
	}
	if result.Queue.SQS.QueueURL == "" {
		result.Queue.SQS.QueueURL = env.Queue.SQS.QueueURL
	}
	if result.Queue.SQS.Region == "" {
		result.Queue.SQS.Region = env.Queue.SQS.Region
	}
	if result.Queue.SQS.WaitTimeSeconds == 0 {
		result.Queue.SQS.WaitTimeSeconds = env.Queue.SQS.WaitTimeSeconds
	}
	if result.Queue.SQS.VisibilityTimeout == 0 {
		result.Queue.SQS.VisibilityTimeout = env.Queue.SQS.VisibilityTimeout
	}

	// Engine
	if result.Engine.Concurrency == 0 {
		result.Engine.Concurrency = env.Engine.Concurrency
	}
	if result.Engine.QueueCapacity == 0 {
		result.Engine.QueueCapacity = env.Engine.QueueCapacity
	}
	if result.Engine.RateLimitPerMinute == 0 {
		result.Engine.RateLimitPerMinute = env.Engine.RateLimitPerMinute
	}
	if result.Engine.RetryDelay == 0 {
		result.Engine.RetryDelay = env.Engine.RetryDelay
	}
	if result.Engine.ConfigErrorDelay == 0 {
		result.Engine.ConfigErrorDelay = env.Engine.ConfigErrorDelay
	}
	if result.Engine.StallThreshold == 0 {
		result.Engine.StallThreshold = env.Engine.StallThreshold
	}
	if result.Engine.MaxRestartAttempts == 0 {
		result.Engine.MaxRestartAttempts = env.Engine.MaxRestartAttempts
	}

	// Scheduler
	if result.Scheduler.PollInterval == 0 {
		result.Scheduler.PollInterval = env.Scheduler.PollInterval
	}
	if result.Scheduler.BatchSize == 0 {
		result.Scheduler.BatchSize = env.Scheduler.BatchSize
	}
	if result.Scheduler.InboundPollInterval == 0 {
		result.Scheduler.InboundPollInterval = env.Scheduler.InboundPollInterval
	}
	if result.Scheduler.StaleThreshold == 0 {
		result.Scheduler.StaleThreshold = env.Scheduler.StaleThreshold
	}
	if result.Scheduler.StaleCheckInterval == 0 {
		result.Scheduler.StaleCheckInterval = env.Scheduler.StaleCheckInterval
	}
	if result.Scheduler.GaugeInterval == 0 {
		result.Scheduler.GaugeInterval = env.Scheduler.GaugeInterval
	}

	// Leader
	if !result.Leader.Enabled {
		result.Leader.Enabled = env.Leader.Enabled
	}
	if result.Leader.Provider == "" {
		result.Leader.Provider = env.Leader.Provider
	}
	if result.Leader.RedisAddr == "" {
		result.Leader.RedisAddr = env.Leader.RedisAddr
	}
	if result.Leader.InstanceID == "" {
		result.Leader.InstanceID = env.Leader.InstanceID
	}
	if result.Leader.TTL == 0 {
		result.Leader.TTL = env.Leader.TTL
	}
	if result.Leader.RefreshInterval == 0 {
		result.Leader.RefreshInterval = env.Leader.RefreshInterval
	}

	// Secrets
	if result.Secrets.Provider == "" {
		result.Secrets = env.Secrets
	}

	// General
	if result.DataDir == "" {
		result.DataDir = env.DataDir
	}
	if !result.DevMode {
		result.DevMode = env.DevMode
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# EDI Relay Configuration
# Environment variables fill in anything left unset here

[http]
port = 8080
cors_origins = ["*"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "edirelay"

[repo]
type = "mongo"  # mongo or memory

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[engine]
concurrency = 8
queue_capacity = 256
rate_limit_per_minute = 0
retry_delay = "30s"
config_error_delay = "15m"
stall_threshold = "5m"
max_restart_attempts = 5

[scheduler]
poll_interval = "5s"
batch_size = 100
inbound_poll_interval = "30s"
stale_threshold = "15m"
stale_check_interval = "1m"
gauge_interval = "15s"

[leader]
enabled = false
provider = "mongo"  # mongo or redis
redis_addr = "localhost:6379"
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm
encryption_key = ""
data_dir = "./data/secrets"
aws_region = ""
aws_prefix = "/edirelay/"
vault_addr = ""
vault_path = "secret/data/edirelay"
vault_namespace = ""
gcp_project = ""
gcp_prefix = "edirelay-"

data_dir = "./data"
dev_mode = false

# Backend and exchange type catalog

[[backend_types]]
code = "storage"
name = "Filesystem exchange"

[[backends]]
id = "acme-sftp"
name = "ACME document drop"
type = "storage"
enabled = true

[backends.settings]
output_dir = "/var/edi/acme/out"
input_dir = "/var/edi/acme/in"

[[exchange_types]]
code = "invoice-out"
name = "Outbound invoices"
backend_type = "storage"
direction = "output"
model = "account.invoice"
filename_pattern = "{record_name}-{dt}"
file_ext = "xml"
auto_generate = true
ack_needed = false
retry_max_attempts = 3
retry_backoff = "30s"
retry_backoff_factor = 2.0
retry_backoff_max = "1h"

[[exchange_types]]
code = "order-in"
name = "Inbound purchase orders"
backend_type = "storage"
direction = "input"
model = "sale.order"
filename_match = "PO-*.xml"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
