package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/history"
)

// History sources.
const (
	SourceMemory   = "memory"
	SourcePostgres = "postgres"
	SourceWS       = "ws"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Sync core.
	UserID         string
	Channels       []string
	HistorySource  string
	PageSize       int
	FetchTimeout   time.Duration
	TypingTimeout  time.Duration
	KeepTombstones bool

	// Realtime websocket transport (HistorySource=ws).
	WSURL    string
	WSOrigin string
	WSToken  string

	// Optional NATS JetStream event feed.
	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	// Optional pebble cache in front of the history source.
	CachePath      string
	CacheMaxBytes  uint64
	CacheTTL       time.Duration
	CacheEvictCron string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHATSYNC_HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:  EnvString("CHATSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATSYNC_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATSYNC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATSYNC_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATSYNC_HTTP_WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       EnvDuration("CHATSYNC_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATSYNC_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATSYNC_DATABASE_URL", ""),
		DBSchema:    EnvString("CHATSYNC_DB_SCHEMA", "chatsync"),
		DBMaxConns:  EnvInt32("CHATSYNC_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATSYNC_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("CHATSYNC_READINESS_REQUIRE_DB", false),

		UserID:         EnvString("CHATSYNC_USER_ID", ""),
		Channels:       EnvCSV("CHATSYNC_CHANNELS", nil),
		HistorySource:  strings.ToLower(EnvString("CHATSYNC_HISTORY_SOURCE", SourceMemory)),
		PageSize:       EnvInt("CHATSYNC_PAGE_SIZE", 25),
		FetchTimeout:   EnvDuration("CHATSYNC_FETCH_TIMEOUT", 15*time.Second),
		TypingTimeout:  EnvDuration("CHATSYNC_TYPING_TIMEOUT", 7*time.Second),
		KeepTombstones: EnvBool("CHATSYNC_KEEP_TOMBSTONES", false),

		WSURL:    EnvString("CHATSYNC_WS_URL", ""),
		WSOrigin: EnvString("CHATSYNC_WS_ORIGIN", ""),
		WSToken:  EnvString("CHATSYNC_WS_TOKEN", ""),

		NATSURL:           EnvString("CHATSYNC_NATS_URL", ""),
		NATSStream:        EnvString("CHATSYNC_NATS_STREAM", "CHATSYNC_EVENTS"),
		NATSSubjectPrefix: EnvString("CHATSYNC_NATS_SUBJECT_PREFIX", "chatsync.events"),

		CachePath:      EnvString("CHATSYNC_CACHE_PATH", ""),
		CacheMaxBytes:  EnvBytes("CHATSYNC_CACHE_MAX_BYTES", 256<<20),
		CacheTTL:       EnvDuration("CHATSYNC_CACHE_TTL", 7*24*time.Hour),
		CacheEvictCron: EnvString("CHATSYNC_CACHE_EVICT_CRON", history.DefaultEvictCron),
	}
}

// Validate reports configuration that cannot start.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, errors.New("CHATSYNC_USER_ID is required"))
	}
	switch c.HistorySource {
	case SourceMemory:
	case SourcePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("CHATSYNC_HISTORY_SOURCE=postgres requires CHATSYNC_DATABASE_URL"))
		}
	case SourceWS:
		if c.WSURL == "" {
			errs = append(errs, errors.New("CHATSYNC_HISTORY_SOURCE=ws requires CHATSYNC_WS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHATSYNC_HISTORY_SOURCE %q", c.HistorySource))
	}
	for _, id := range c.Channels {
		if strings.ContainsAny(id, "/.*> ") {
			errs = append(errs, fmt.Errorf("invalid channel id %q", id))
		}
	}
	return errors.Join(errs...)
}
