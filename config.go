package permitd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/permitd/internal/arbiter"
	"pkt.systems/permitd/internal/session"
)

const (
	// DefaultListen is the TCP address clients connect to.
	DefaultListen = ":8080"
	// DefaultMaxConnections caps concurrently served connections and sizes the request queue.
	DefaultMaxConnections = 5
	// DefaultAdminListen is the address of the read-only observer endpoints.
	DefaultAdminListen = "127.0.0.1:8081"
	// DefaultRouting selects which connection receives a GRANT.
	DefaultRouting = string(session.RoutingOrigin)
	// DefaultReleasePolicy decides who may release the permit.
	DefaultReleasePolicy = string(arbiter.ReleaseAny)
	// DefaultQueueFullPolicy decides what happens to a REQUEST arriving at a full queue.
	DefaultQueueFullPolicy = string(session.QueueFullDrop)
	// DefaultWriteTimeout bounds a single GRANT write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultAcceptBackoffMax caps the delay between retries after accept failures.
	DefaultAcceptBackoffMax = time.Second
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultDropWarnInterval throttles repeated queue-full warnings.
	DefaultDropWarnInterval = 5 * time.Second
	// DefaultRedisPrefix namespaces ledger mirror keys.
	DefaultRedisPrefix = "permitd"
	// DefaultRedisBucketTTL is how long per-minute grant buckets live in redis.
	DefaultRedisBucketTTL = 24 * time.Hour
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultConnguardFailureThreshold is the number of suspicious connection events required before blocking a host.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for suspicious events.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
)

// Config captures the tunables for a permitd server.
type Config struct {
	// Listen is the TCP address accepting protocol connections.
	Listen string
	// MaxConnections caps concurrently served connections. Connections above
	// the cap wait in the kernel backlog until a slot frees up.
	MaxConnections int
	// QueueCapacity bounds pending requests. Zero uses MaxConnections.
	QueueCapacity int
	// DisableReusePort skips SO_REUSEPORT on the protocol listener.
	DisableReusePort bool

	// Routing is "origin" (grant goes to the connection that sent the
	// REQUEST) or "claimer" (grant goes to the connection whose dispatcher
	// claimed the permit).
	Routing string
	// ReleasePolicy is "any" or "holder".
	ReleasePolicy string
	// QueueFullPolicy is "drop" or "close".
	QueueFullPolicy string
	// DisablePurgeOnDisconnect keeps a closed connection's pending requests queued.
	DisablePurgeOnDisconnect bool
	// DisableReleaseOnDisconnect keeps the permit held when its holder's
	// connection closes or its grant cannot be delivered.
	DisableReleaseOnDisconnect bool
	WriteTimeout               time.Duration
	DropWarnInterval           time.Duration
	AcceptBackoffMax           time.Duration
	ShutdownTimeout            time.Duration

	// AdminListen serves /v1/queue, /v1/ledger, /v1/status and /healthz.
	// Empty disables the admin server.
	AdminListen string
	// DisableAdmin turns the admin server off even when AdminListen is set.
	DisableAdmin bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// RedisURL enables the ledger mirror, e.g. redis://localhost:6379/0.
	RedisURL       string
	RedisPrefix    string
	RedisBucketTTL time.Duration

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
}

// Validate normalises policy names and fills defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max-connections must be >= 0")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("config: queue-capacity must be >= 0")
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = c.MaxConnections
	}
	c.Routing = normaliseName(c.Routing, DefaultRouting)
	if _, err := session.ParseRoutingMode(c.Routing); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.ReleasePolicy = normaliseName(c.ReleasePolicy, DefaultReleasePolicy)
	if _, err := arbiter.ParseReleasePolicy(c.ReleasePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.QueueFullPolicy = normaliseName(c.QueueFullPolicy, DefaultQueueFullPolicy)
	if _, err := session.ParseQueueFullPolicy(c.QueueFullPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write-timeout must be >= 0")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DropWarnInterval <= 0 {
		c.DropWarnInterval = DefaultDropWarnInterval
	}
	if c.AcceptBackoffMax <= 0 {
		c.AcceptBackoffMax = DefaultAcceptBackoffMax
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.AdminListen = strings.TrimSpace(c.AdminListen)
	if c.DisableAdmin {
		c.AdminListen = ""
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") && !strings.HasPrefix(c.RedisURL, "unix://") {
			return fmt.Errorf("config: redis-url must use redis://, rediss:// or unix:// (got %q)", c.RedisURL)
		}
	}
	if strings.TrimSpace(c.RedisPrefix) == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	if c.RedisBucketTTL <= 0 {
		c.RedisBucketTTL = DefaultRedisBucketTTL
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	return nil
}

func normaliseName(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

// DefaultConfigDir returns the directory holding config.yaml. PERMITD_CONFIG_DIR
// overrides the default $HOME/.permitd.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("PERMITD_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".permitd"), nil
}

// DefaultConfigPath joins DefaultConfigDir and DefaultConfigFileName.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
