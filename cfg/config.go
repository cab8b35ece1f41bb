package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// RouterKind selects the partition routing rule
type RouterKind string

const (
	RouterModulo RouterKind = "modulo" // recordId mod partition count
	RouterHash   RouterKind = "hash"   // xxhash of recordId mod partition count
)

// QueueBackend selects the retry queue store
type QueueBackend string

const (
	QueueSQLite QueueBackend = "sqlite" // durable, survives restarts
	QueueMemory QueueBackend = "memory" // embedded/testing only
)

// TopologyConfiguration describes the cluster shape: one central hub node
// plus the partition nodes it fans writes out to.
type TopologyConfiguration struct {
	CentralNodeID    uint64     `toml:"central_node_id"`
	PartitionNodeIDs []uint64   `toml:"partition_node_ids"`
	Router           RouterKind `toml:"router"`
}

// StoreConfiguration controls the per-node record stores
type StoreConfiguration struct {
	BusyTimeoutMS  int `toml:"busy_timeout_ms"`
	ReadCacheSize  int `toml:"read_cache_size"` // records per node store, 0 disables
	RecentScanSize int `toml:"recent_scan_max"` // hard cap on ListRecent window
}

// QueueConfiguration controls the retry queue behavior
type QueueConfiguration struct {
	Backend             QueueBackend `toml:"backend"`
	MaxRetries          int          `toml:"max_retries"`            // claims before a job goes FAILED
	LeaseTimeoutSeconds int          `toml:"lease_timeout_seconds"`  // PROCESSING older than this reverts to PENDING
	ReapIntervalSeconds int          `toml:"reap_interval_seconds"`  // how often the stale-lease reaper runs
	BusyTimeoutMS       int          `toml:"busy_timeout_ms"`
}

// WorkerConfiguration controls the background queue worker
type WorkerConfiguration struct {
	Enabled        bool `toml:"enabled"`
	PollIntervalMS int  `toml:"poll_interval_ms"`
	ApplyTimeoutMS int  `toml:"apply_timeout_ms"` // bound on each claim-to-settle step
}

// RecoveryConfiguration controls node recovery behavior
type RecoveryConfiguration struct {
	ReconcileWindow int  `toml:"reconcile_window"` // recent records scanned against central
	ApplyTimeoutMS  int  `toml:"apply_timeout_ms"` // bound on each drain and reconcile step
	AutoRecover     bool `toml:"auto_recover"`     // trigger recovery on offline->online transitions
}

// HealthConfiguration controls the health oracle polling
type HealthConfiguration struct {
	ProbeIntervalMS int `toml:"probe_interval_ms"`
	ProbeTimeoutMS  int `toml:"probe_timeout_ms"`
}

// EventsConfiguration controls lifecycle event publishing
type EventsConfiguration struct {
	Enabled      bool     `toml:"enabled"`
	Sink         string   `toml:"sink"` // "log", "nats" or "kafka"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	KindPatterns []string `toml:"kind_patterns"` // glob filters on event kind
	BufferSize   int      `toml:"buffer_size"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the observability HTTP surface
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Topology   TopologyConfiguration   `toml:"topology"`
	Store      StoreConfiguration      `toml:"store"`
	Queue      QueueConfiguration      `toml:"queue"`
	Worker     WorkerConfiguration     `toml:"worker"`
	Recovery   RecoveryConfiguration   `toml:"recovery"`
	Health     HealthConfiguration     `toml:"health"`
	Events     EventsConfiguration     `toml:"events"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./ferry-data",

	Topology: TopologyConfiguration{
		CentralNodeID:    0,
		PartitionNodeIDs: []uint64{1, 2},
		Router:           RouterModulo,
	},

	Store: StoreConfiguration{
		BusyTimeoutMS:  5000,
		ReadCacheSize:  1024,
		RecentScanSize: 1000,
	},

	Queue: QueueConfiguration{
		Backend:             QueueSQLite,
		MaxRetries:          10,
		LeaseTimeoutSeconds: 300, // 5 minutes
		ReapIntervalSeconds: 60,
		BusyTimeoutMS:       5000,
	},

	Worker: WorkerConfiguration{
		Enabled:        true,
		PollIntervalMS: 500,
		ApplyTimeoutMS: 5000,
	},

	Recovery: RecoveryConfiguration{
		ReconcileWindow: 100,
		ApplyTimeoutMS:  5000,
		AutoRecover:     true,
	},

	Health: HealthConfiguration{
		ProbeIntervalMS: 1000,
		ProbeTimeoutMS:  2000,
	},

	Events: EventsConfiguration{
		Enabled:      false,
		Sink:         "log",
		TopicPrefix:  "ferry.events",
		KindPatterns: []string{},
		BufferSize:   256,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set and this node is not the central hub
	// (central keeps the configured central_node_id)
	if Config.NodeID == 0 && Config.Topology.CentralNodeID != 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("ferry")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if len(Config.Topology.PartitionNodeIDs) < 1 {
		return fmt.Errorf("topology requires at least one partition node")
	}

	seen := map[uint64]bool{Config.Topology.CentralNodeID: true}
	for _, id := range Config.Topology.PartitionNodeIDs {
		if seen[id] {
			return fmt.Errorf("duplicate node ID in topology: %d", id)
		}
		seen[id] = true
	}

	switch Config.Topology.Router {
	case RouterModulo, RouterHash:
	default:
		return fmt.Errorf("invalid router kind: %s", Config.Topology.Router)
	}

	switch Config.Queue.Backend {
	case QueueSQLite, QueueMemory:
	default:
		return fmt.Errorf("invalid queue backend: %s", Config.Queue.Backend)
	}

	if Config.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max retries must be >= 1")
	}

	if Config.Queue.LeaseTimeoutSeconds < 1 {
		return fmt.Errorf("queue lease timeout must be >= 1 second")
	}

	if Config.Queue.ReapIntervalSeconds < 1 {
		return fmt.Errorf("queue reap interval must be >= 1 second")
	}

	if Config.Recovery.ReconcileWindow < 1 {
		return fmt.Errorf("recovery reconcile window must be >= 1")
	}

	if Config.Store.RecentScanSize < Config.Recovery.ReconcileWindow {
		return fmt.Errorf("store recent_scan_max (%d) must cover the recovery reconcile window (%d)",
			Config.Store.RecentScanSize, Config.Recovery.ReconcileWindow)
	}

	if Config.Worker.PollIntervalMS < 1 {
		return fmt.Errorf("worker poll interval must be >= 1ms")
	}

	if Config.Worker.ApplyTimeoutMS < 1 {
		return fmt.Errorf("worker apply timeout must be >= 1ms")
	}

	if Config.Recovery.ApplyTimeoutMS < 1 {
		return fmt.Errorf("recovery apply timeout must be >= 1ms")
	}

	if Config.Health.ProbeIntervalMS < 1 {
		return fmt.Errorf("health probe interval must be >= 1ms")
	}

	if Config.Health.ProbeTimeoutMS < 1 {
		return fmt.Errorf("health probe timeout must be >= 1ms")
	}

	if Config.Events.Enabled {
		switch Config.Events.Sink {
		case "log":
		case "nats":
			if Config.Events.NatsURL == "" {
				return fmt.Errorf("nats events sink requires nats_url")
			}
		case "kafka":
			if len(Config.Events.Brokers) == 0 {
				return fmt.Errorf("kafka events sink requires at least one broker")
			}
		default:
			return fmt.Errorf("invalid events sink: %s", Config.Events.Sink)
		}
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// RecordStorePath returns the SQLite path for a node's record store
func RecordStorePath(nodeID uint64) string {
	return path.Join(Config.DataDir, fmt.Sprintf("records-%d.db", nodeID))
}

// QueueStorePath returns the SQLite path for the shared retry queue.
// The queue lives with the central node's data since central is the
// always-reachable hub.
func QueueStorePath() string {
	return path.Join(Config.DataDir, "retry-queue.db")
}
