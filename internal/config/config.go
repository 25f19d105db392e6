package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/routerd.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/routerd.log"`

	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	APITokenHash string `envconfig:"API_TOKEN_HASH" default:""`

	// Router pool settings
	QueueLimit          int           `envconfig:"QUEUE_LIMIT" default:"50"`
	Retries             int           `envconfig:"RETRIES" default:"3"`
	CommandSpacing      time.Duration `envconfig:"COMMAND_SPACING" default:"50ms"`
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	CommandTimeout      time.Duration `envconfig:"COMMAND_TIMEOUT" default:"12s"`
	HeavyCommandTimeout time.Duration `envconfig:"HEAVY_COMMAND_TIMEOUT" default:"60s"`
	HeavyCommandRetries int           `envconfig:"HEAVY_COMMAND_RETRIES" default:"5"`
	HeavyCommands       []string      `envconfig:"HEAVY_COMMANDS" default:"/ppp/secret/print,/ip/hotspot/active/print,/queue/simple/print"`
	BackoffBase         time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax          time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	HealthInterval      time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	HealthTimeout       time.Duration `envconfig:"HEALTH_TIMEOUT" default:"5s"`
	HealthConcurrency   int           `envconfig:"HEALTH_CONCURRENCY" default:"4"`
	IdleTimeout         time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	EvictionInterval    time.Duration `envconfig:"EVICTION_INTERVAL" default:"1m"`
	DNSTTL              time.Duration `envconfig:"DNS_TTL" default:"5m"`
	EmptyReplyMarkers   []string      `envconfig:"EMPTY_REPLY_MARKERS" default:"!empty"`
	TLSVerify           bool          `envconfig:"TLS_VERIFY" default:"false"`

	// Escalation settings
	DesyncThreshold int           `envconfig:"DESYNC_THRESHOLD" default:"20"`
	DesyncWindow    time.Duration `envconfig:"DESYNC_WINDOW" default:"1m"`
	DesyncPattern   string        `envconfig:"DESYNC_PATTERN" default:""`

	// Audit retention
	AuditRetention     time.Duration `envconfig:"AUDIT_RETENTION" default:"720h"`
	AuditPurgeSchedule string        `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	InventoryPath string `envconfig:"INVENTORY_PATH" default:""`

	// Terminal settings
	TerminalRateLimit  int           `envconfig:"TERMINAL_RATE_LIMIT" default:"20"`
	TerminalRateWindow time.Duration `envconfig:"TERMINAL_RATE_WINDOW" default:"10s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ROUTERD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
