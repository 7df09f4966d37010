// Package config assembles the daemon configuration from environment
// variables, with an optional YAML overlay file for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Policy profiles gate action types and edit sizes.
const (
	ProfileSafe     = "safe"
	ProfileStandard = "standard"
	ProfilePower    = "power"
)

// Config holds every tunable of the daemon.
type Config struct {
	ListenAddr string

	// Filesystem job queue root and derived layout.
	QueueDir string

	// Core protocol timing.
	HeartbeatTTL       time.Duration
	ClaimTTL           time.Duration
	DefaultWaitTimeout time.Duration

	// Queue and action caps.
	MaxQueue       int
	MaxActions     int
	MaxSourceBytes int
	SafeEditBytes  int

	// Policy.
	PolicyProfile  string
	ProtectedRoots []string
	AllowedRoots   []string
	DenyActions    []string
	MaxRisk        float64

	// Bridge.
	JobTTL            time.Duration
	AutoRepair        bool
	RepairMaxAttempts int
	RepairCooldown    time.Duration
	PacksEnabled      bool
	PackMaxItems      int
	PackMaxEdges      int
	PackMaxRequires   int
	PackMaxSnapshots  int
	ScriptIndexMax    int
	FocusMaxScripts   int
	FocusMaxBytes     int

	// Context store.
	ContextMinInterval time.Duration
	ReconcileInterval  time.Duration
	DeltaMaxItems      int

	// Semantic indexer.
	SemanticEnabled        bool
	SemanticKeywordLimit   int
	SemanticSymbolLimit    int
	SemanticMaxRequires    int
	SemanticMaxServices    int
	SemanticMaxSourceBytes int

	// Persistence.
	SQLiteEnabled     bool
	SQLitePath        string
	SQLiteBusyTimeout int

	// Observability.
	AuditLedgerLimit int
	TracingService   string
	RateLimitEnabled bool
	RateLimitRPS     int
	RateLimitBurst   int
}

// Load builds the configuration from the process environment. When
// CODEXD_CONFIG names a YAML file, keys set in the file override the
// environment-derived values.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: ParseString("LISTEN_ADDR", "127.0.0.1:3030"),
		QueueDir:   ParseString("QUEUE_DIR", "codex_queue"),

		HeartbeatTTL:       ParseSeconds("HEARTBEAT_TTL_SEC", 15*time.Second),
		ClaimTTL:           ParseSeconds("CLAIM_TTL_SEC", 30*time.Second),
		DefaultWaitTimeout: ParseSeconds("DEFAULT_WAIT_TIMEOUT_SEC", 25*time.Second),

		MaxQueue:       ParseInt("MAX_QUEUE", 1000),
		MaxActions:     ParseInt("MAX_ACTIONS", 400),
		MaxSourceBytes: ParseInt("MAX_SOURCE_BYTES", 400000),
		SafeEditBytes:  ParseInt("SAFE_EDIT_BYTES", 8000),

		PolicyProfile:  ParseString("POLICY_PROFILE", ProfilePower),
		ProtectedRoots: ParseCSV("PROTECTED_ROOTS", nil),
		AllowedRoots:   ParseCSV("ALLOWED_ROOTS", nil),
		DenyActions:    ParseCSV("DENY_ACTIONS", nil),
		MaxRisk:        ParseFloat("MAX_RISK", 0.7),

		JobTTL:            ParseSeconds("JOB_TTL_SEC", 600*time.Second),
		AutoRepair:        ParseBool("AUTO_REPAIR", false),
		RepairMaxAttempts: ParseInt("REPAIR_MAX_ATTEMPTS", 2),
		RepairCooldown:    ParseSeconds("REPAIR_COOLDOWN_SEC", 8*time.Second),
		PacksEnabled:      ParseBool("PACKS_ENABLED", true),
		PackMaxItems:      ParseInt("PACK_MAX_ITEMS", 40),
		PackMaxEdges:      ParseInt("PACK_MAX_EDGES", 200),
		PackMaxRequires:   ParseInt("PACK_MAX_REQUIRES", 8),
		PackMaxSnapshots:  ParseInt("PACK_MAX_SNAPSHOTS", 12),
		ScriptIndexMax:    ParseInt("SCRIPT_INDEX_MAX", 200),
		FocusMaxScripts:   ParseInt("FOCUS_MAX_SCRIPTS", 8),
		FocusMaxBytes:     ParseInt("FOCUS_MAX_BYTES", 20000),

		ContextMinInterval: ParseSeconds("CONTEXT_MIN_INTERVAL_SEC", 0),
		ReconcileInterval:  ParseSeconds("RECONCILE_INTERVAL_SEC", 15*time.Second),
		DeltaMaxItems:      ParseInt("DELTA_MAX_ITEMS", 200),

		SemanticEnabled:        ParseBool("SEMANTIC_ENABLED", true),
		SemanticKeywordLimit:   ParseInt("SEMANTIC_KEYWORD_LIMIT", 20),
		SemanticSymbolLimit:    ParseInt("SEMANTIC_SYMBOL_LIMIT", 40),
		SemanticMaxRequires:    ParseInt("SEMANTIC_MAX_REQUIRES", 30),
		SemanticMaxServices:    ParseInt("SEMANTIC_MAX_SERVICES", 30),
		SemanticMaxSourceBytes: ParseInt("SEMANTIC_MAX_SOURCE_BYTES", 350000),

		SQLiteEnabled:     ParseBool("SQLITE_ENABLED", true),
		SQLitePath:        ParseString("SQLITE_PATH", ""),
		SQLiteBusyTimeout: ParseInt("SQLITE_BUSY_TIMEOUT_MS", 3000),

		AuditLedgerLimit: ParseInt("AUDIT_LEDGER_LIMIT", 200),
		TracingService:   ParseString("TRACING_SERVICE", ""),
		RateLimitEnabled: ParseBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:     ParseInt("RATE_LIMIT_RPS", 100),
		RateLimitBurst:   ParseInt("RATE_LIMIT_BURST", 50),
	}

	if path := os.Getenv("CODEXD_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.QueueDir, "codex_state.db")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.PolicyProfile {
	case ProfileSafe, ProfileStandard, ProfilePower:
	default:
		return fmt.Errorf("invalid POLICY_PROFILE %q (want safe, standard or power)", c.PolicyProfile)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("MAX_QUEUE must be positive, got %d", c.MaxQueue)
	}
	if c.MaxActions <= 0 {
		return fmt.Errorf("MAX_ACTIONS must be positive, got %d", c.MaxActions)
	}
	if c.QueueDir == "" {
		return fmt.Errorf("QUEUE_DIR must not be empty")
	}
	return nil
}

// Queue root layout. The external worker cooperates on these directories.

func (c Config) JobsDir() string      { return filepath.Join(c.QueueDir, "jobs") }
func (c Config) ResponsesDir() string { return filepath.Join(c.QueueDir, "responses") }
func (c Config) AcksDir() string      { return filepath.Join(c.QueueDir, "acks") }
func (c Config) ErrorsDir() string    { return filepath.Join(c.QueueDir, "errors") }
func (c Config) ContextDir() string   { return filepath.Join(c.QueueDir, "context") }

func (c Config) WorkerLockPath() string    { return filepath.Join(c.QueueDir, "worker.lock") }
func (c Config) QueueStatePath() string    { return filepath.Join(c.QueueDir, "queue_state.json") }
func (c Config) AuditLogPath() string      { return filepath.Join(c.QueueDir, "audit.log") }
func (c Config) ContextEventsPath() string { return filepath.Join(c.ContextDir(), "context_events.log") }

// EnsureDirs creates the queue directory tree.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{
		c.QueueDir,
		c.JobsDir(),
		c.ResponsesDir(),
		c.AcksDir(),
		c.ErrorsDir(),
		c.ContextDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create queue dir %s: %w", dir, err)
		}
	}
	return nil
}
