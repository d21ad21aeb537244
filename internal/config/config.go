package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Edge agent configuration, with environment variable overrides
// =============================================================================

type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Engine       EngineConfig       `yaml:"engine"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Offline      OfflineConfig      `yaml:"offline"`
	MatrixSource MatrixSourceConfig `yaml:"matrix_source"`
	RawBuffer    RawBufferConfig    `yaml:"raw_buffer"`
	LocalState   LocalStateConfig   `yaml:"local_state"`
	Workload     WorkloadConfig     `yaml:"workload"`
	Diag         DiagConfig         `yaml:"diag"`
}

type AgentConfig struct {
	Env             string `yaml:"env"`
	VehicleID       string `yaml:"vehicle_id"`
	ConfigPath      string `yaml:"-"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// EngineConfig tunes the Collection Inspection Engine's bounds (spec.md §3).
type EngineConfig struct {
	MaxActiveConditions   int     `yaml:"max_active_conditions"`
	MaxDistinctSignalIDs  int     `yaml:"max_distinct_signal_ids"`
	MaxASTDepth           int     `yaml:"max_ast_depth"`
	MaxTotalSampleBytes   int64   `yaml:"max_total_sample_bytes"`
	EqualityEpsilon       float64 `yaml:"equality_epsilon"`
	EvaluateIntervalMs    int64   `yaml:"evaluate_interval_ms"`
	IdleWaitMs            int64   `yaml:"idle_wait_ms"`
	InboundQueueCapacity  int     `yaml:"inbound_queue_capacity"`
	SnapshotQueueCapacity int     `yaml:"snapshot_queue_capacity"`
}

type MQTTConfig struct {
	BrokerURL               string `yaml:"broker_url"`
	ClientID                string `yaml:"client_id"`
	KeepAliveSec            int    `yaml:"keep_alive_sec"`
	SessionExpirySec        int    `yaml:"session_expiry_sec"`
	PingTimeoutSec          int    `yaml:"ping_timeout_sec"`
	StartBackoffMs          int64  `yaml:"start_backoff_ms"`
	MaxBackoffMs            int64  `yaml:"max_backoff_ms"`
	TelemetryTopic          string `yaml:"telemetry_topic"`
	CheckinTopic            string `yaml:"checkin_topic"`
	CollectionSchemeTopic   string `yaml:"collection_scheme_topic"`
	DecoderManifestTopic    string `yaml:"decoder_manifest_topic"`
	InFlightByteBudget      int64  `yaml:"in_flight_byte_budget"`
	UseWorkloadIdentityTLS  bool   `yaml:"use_workload_identity_tls"`
	TrustDomain             string `yaml:"trust_domain"`
}

type OfflineConfig struct {
	PersistencePath string `yaml:"persistence_path"`
	RetryIntervalMs int64  `yaml:"retry_interval_ms"`
}

type MatrixSourceConfig struct {
	Backend    string `yaml:"backend"` // "file" or "grpc"
	FilePath   string `yaml:"file_path"`
	GRPCAddr   string `yaml:"grpc_addr"`
	WatchFile  bool   `yaml:"watch_file"`
}

type RawBufferConfig struct {
	Backend  string `yaml:"backend"` // "grpc" or "noop"
	GRPCAddr string `yaml:"grpc_addr"`
}

type LocalStateConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type WorkloadConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type DiagConfig struct {
	Enabled        bool     `yaml:"enabled"`
	HTTPAddr       string   `yaml:"http_addr"`
	SocketIOAddr   string   `yaml:"socketio_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config singleton, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.Agent.ConfigPath = path
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Agent.Env = getEnv("EDGE_AGENT_ENV", c.Agent.Env)
	c.Agent.VehicleID = getEnv("EDGE_AGENT_VEHICLE_ID", c.Agent.VehicleID)
	if v := getEnvInt("EDGE_AGENT_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Agent.ShutdownTimeout = v
	}

	if v := getEnvInt("ENGINE_MAX_ACTIVE_CONDITIONS", 0); v > 0 {
		c.Engine.MaxActiveConditions = v
	}
	if v := getEnvInt("ENGINE_MAX_DISTINCT_SIGNAL_IDS", 0); v > 0 {
		c.Engine.MaxDistinctSignalIDs = v
	}
	if v := getEnvInt("ENGINE_MAX_AST_DEPTH", 0); v > 0 {
		c.Engine.MaxASTDepth = v
	}
	if v := getEnvFloat("ENGINE_EQUALITY_EPSILON", 0); v > 0 {
		c.Engine.EqualityEpsilon = v
	}

	c.MQTT.BrokerURL = getEnv("MQTT_BROKER_URL", c.MQTT.BrokerURL)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.TrustDomain = getEnv("MQTT_TRUST_DOMAIN", c.MQTT.TrustDomain)

	c.Offline.PersistencePath = getEnv("OFFLINE_PERSISTENCE_PATH", c.Offline.PersistencePath)

	c.MatrixSource.Backend = getEnv("MATRIX_SOURCE_BACKEND", c.MatrixSource.Backend)
	c.MatrixSource.FilePath = getEnv("MATRIX_SOURCE_FILE_PATH", c.MatrixSource.FilePath)
	c.MatrixSource.GRPCAddr = getEnv("MATRIX_SOURCE_GRPC_ADDR", c.MatrixSource.GRPCAddr)

	c.RawBuffer.Backend = getEnv("RAW_BUFFER_BACKEND", c.RawBuffer.Backend)
	c.RawBuffer.GRPCAddr = getEnv("RAW_BUFFER_GRPC_ADDR", c.RawBuffer.GRPCAddr)

	c.LocalState.Enabled = getEnvBool("LOCAL_STATE_ENABLED", c.LocalState.Enabled)
	c.LocalState.Addr = getEnv("LOCAL_STATE_ADDR", c.LocalState.Addr)
	c.LocalState.Password = getEnv("LOCAL_STATE_PASSWORD", c.LocalState.Password)

	c.Workload.Enabled = getEnvBool("WORKLOAD_IDENTITY_ENABLED", c.Workload.Enabled)
	c.Workload.SocketPath = getEnv("WORKLOAD_IDENTITY_SOCKET_PATH", c.Workload.SocketPath)

	c.Diag.Enabled = getEnvBool("DIAG_ENABLED", c.Diag.Enabled)
	c.Diag.HTTPAddr = getEnv("DIAG_HTTP_ADDR", c.Diag.HTTPAddr)
	c.Diag.SocketIOAddr = getEnv("DIAG_SOCKETIO_ADDR", c.Diag.SocketIOAddr)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Agent.Env == "" {
		c.Agent.Env = "development"
	}
	if c.Agent.VehicleID == "" {
		c.Agent.VehicleID = "unknown-vehicle"
	}
	if c.Agent.ShutdownTimeout == 0 {
		c.Agent.ShutdownTimeout = 10
	}

	if c.Engine.MaxActiveConditions == 0 {
		c.Engine.MaxActiveConditions = 256
	}
	if c.Engine.MaxDistinctSignalIDs == 0 {
		c.Engine.MaxDistinctSignalIDs = 50000
	}
	if c.Engine.MaxASTDepth == 0 {
		c.Engine.MaxASTDepth = 10
	}
	if c.Engine.MaxTotalSampleBytes == 0 {
		c.Engine.MaxTotalSampleBytes = 10 * 1024 * 1024
	}
	if c.Engine.EqualityEpsilon == 0 {
		c.Engine.EqualityEpsilon = 1e-9
	}
	if c.Engine.EvaluateIntervalMs == 0 {
		c.Engine.EvaluateIntervalMs = 1000
	}
	if c.Engine.IdleWaitMs == 0 {
		c.Engine.IdleWaitMs = 500
	}
	if c.Engine.InboundQueueCapacity == 0 {
		c.Engine.InboundQueueCapacity = 4096
	}
	if c.Engine.SnapshotQueueCapacity == 0 {
		c.Engine.SnapshotQueueCapacity = 256
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "edge-agent-" + c.Agent.VehicleID
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 60
	}
	if c.MQTT.SessionExpirySec == 0 {
		c.MQTT.SessionExpirySec = 3600
	}
	if c.MQTT.PingTimeoutSec == 0 {
		c.MQTT.PingTimeoutSec = 10
	}
	if c.MQTT.StartBackoffMs == 0 {
		c.MQTT.StartBackoffMs = 500
	}
	if c.MQTT.MaxBackoffMs == 0 {
		c.MQTT.MaxBackoffMs = 30000
	}
	if c.MQTT.TelemetryTopic == "" {
		c.MQTT.TelemetryTopic = "telemetry-data"
	}
	if c.MQTT.CheckinTopic == "" {
		c.MQTT.CheckinTopic = "checkin"
	}
	if c.MQTT.CollectionSchemeTopic == "" {
		c.MQTT.CollectionSchemeTopic = "collection-scheme-list"
	}
	if c.MQTT.DecoderManifestTopic == "" {
		c.MQTT.DecoderManifestTopic = "decoder-manifest"
	}
	if c.MQTT.InFlightByteBudget == 0 {
		c.MQTT.InFlightByteBudget = 1 << 20
	}

	if c.Offline.PersistencePath == "" {
		c.Offline.PersistencePath = "/var/lib/edge-agent/offline.store"
	}
	if c.Offline.RetryIntervalMs == 0 {
		c.Offline.RetryIntervalMs = 5000
	}

	if c.MatrixSource.Backend == "" {
		c.MatrixSource.Backend = "file"
	}
	if c.MatrixSource.FilePath == "" {
		c.MatrixSource.FilePath = "/var/lib/edge-agent/inspection-matrix.yaml"
	}

	if c.RawBuffer.Backend == "" {
		c.RawBuffer.Backend = "noop"
	}

	if c.LocalState.KeyPrefix == "" {
		c.LocalState.KeyPrefix = "edge:signal:"
	}

	if c.Diag.HTTPAddr == "" {
		c.Diag.HTTPAddr = "127.0.0.1:9091"
	}
	if c.Diag.SocketIOAddr == "" {
		c.Diag.SocketIOAddr = "127.0.0.1:9092"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Agent.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Agent.Env == "development"
}
