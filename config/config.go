// Package config loads configuration for the gridlink agent and master.
//
// Configuration comes from an optional YAML file, then GRIDLINK_*
// environment variables, then command-line flags bound by the binaries.
// Later sources override earlier ones. Durations are Go duration strings
// ("30s", "1m").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"gridlink/codec"
)

// Version is the agent version reported in the handshake and the default
// minimum version a master accepts.
const Version = "1.0.0"

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

// Agent is the configuration of the agent process.
type Agent struct {
	// MasterURL is the master's agent endpoint, e.g. ws://master:8080/agent.
	MasterURL string `yaml:"master_url"`
	GridToken string `yaml:"grid_token"`
	// NodeID overrides the id derived from the host's machine id.
	NodeID string `yaml:"node_id"`
	// Version is reported in the handshake. Default: Version.
	Version string `yaml:"version"`

	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	Keepalive        time.Duration `yaml:"keepalive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// RequestTimeout bounds agent-initiated requests to the master.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// HandlerTimeout bounds each inbound request handler. Zero disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`
	Codec         string `yaml:"codec"`

	Log LogConfig `yaml:"log"`
}

// DurableConfig selects and configures the durable log backing the
// master's cross-process pub/sub.
type DurableConfig struct {
	// Backend is memory, sqlite or etcd.
	Backend    string        `yaml:"backend"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	SQLite     SQLiteConfig  `yaml:"sqlite"`
	Etcd       EtcdLogConfig `yaml:"etcd"`
}

type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	Table        string        `yaml:"table"`
	MaxBytes     int64         `yaml:"max_bytes"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type EtcdLogConfig struct {
	Prefix    string        `yaml:"prefix"`
	Retention time.Duration `yaml:"retention"`
}

// GridConfig is one grid the master accepts agents for.
type GridConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// RateLimitConfig limits requests agents make to the master. A zero rate
// disables the limit.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Master is the configuration of the master process.
type Master struct {
	// ID names this master in the node registry. Default: derived from the
	// host like an agent's node id.
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
	// Path the agent endpoint is served on.
	Path  string       `yaml:"path"`
	Grids []GridConfig `yaml:"grids"`

	MinAgentVersion string        `yaml:"min_agent_version"`
	PresenceTTL     int64         `yaml:"presence_ttl"` // seconds
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Keepalive       time.Duration `yaml:"keepalive"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Workers         int           `yaml:"workers"`
	Codec           string        `yaml:"codec"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// EtcdEndpoints is shared by the etcd durable log and the etcd
	// registry.
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	// Registry is memory or etcd.
	Registry string        `yaml:"registry"`
	Durable  DurableConfig `yaml:"durable"`

	Log LogConfig `yaml:"log"`
}

func defaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "console"}
}

// DefaultAgent returns the agent configuration used when nothing else is
// set.
func DefaultAgent() *Agent {
	return &Agent{
		MasterURL:        "ws://localhost:8080/agent",
		Version:          Version,
		ReconnectDelay:   time.Second,
		Keepalive:        30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		RequestTimeout:   30 * time.Second,
		Workers:          16,
		QueueCapacity:    1000,
		Codec:            "binary",
		Log:              defaultLog(),
	}
}

// DefaultMaster returns the master configuration used when nothing else is
// set.
func DefaultMaster() *Master {
	return &Master{
		Listen:          ":8080",
		Path:            "/agent",
		MinAgentVersion: Version,
		PresenceTTL:     30,
		RequestTimeout:  30 * time.Second,
		Keepalive:       30 * time.Second,
		WriteTimeout:    10 * time.Second,
		Workers:         16,
		Codec:           "binary",
		Registry:        BackendMemory,
		Durable: DurableConfig{
			Backend:    BackendMemory,
			RetryDelay: 100 * time.Millisecond,
			SQLite: SQLiteConfig{
				Table:        "events",
				MaxBytes:     24 << 20,
				PollInterval: 50 * time.Millisecond,
			},
			Etcd: EtcdLogConfig{
				Prefix:    "/gridlink/events/",
				Retention: 10 * time.Minute,
			},
		},
		Log: defaultLog(),
	}
}

// LoadAgent reads path over the defaults. An empty path returns the
// defaults.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadMaster reads path over the defaults. An empty path returns the
// defaults.
func LoadMaster(path string) (*Master, error) {
	cfg := DefaultMaster()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from GRIDLINK_* environment variables.
func (c *Agent) ApplyEnv() error {
	setString(&c.MasterURL, "GRIDLINK_MASTER_URL")
	setString(&c.GridToken, "GRIDLINK_GRID_TOKEN")
	setString(&c.NodeID, "GRIDLINK_NODE_ID")
	setString(&c.Codec, "GRIDLINK_CODEC")
	setString(&c.Log.Level, "GRIDLINK_LOG_LEVEL")
	setString(&c.Log.Format, "GRIDLINK_LOG_FORMAT")
	return setDuration(&c.ReconnectDelay, "GRIDLINK_RECONNECT_DELAY")
}

// ApplyEnv overrides fields from GRIDLINK_* environment variables.
// GRIDLINK_GRIDS is a comma-separated list of name=token pairs and replaces
// the configured grids.
func (c *Master) ApplyEnv() error {
	setString(&c.ID, "GRIDLINK_MASTER_ID")
	setString(&c.Listen, "GRIDLINK_LISTEN")
	setString(&c.Registry, "GRIDLINK_REGISTRY")
	setString(&c.Durable.Backend, "GRIDLINK_DURABLE_BACKEND")
	setString(&c.Durable.SQLite.Path, "GRIDLINK_SQLITE_PATH")
	setString(&c.Log.Level, "GRIDLINK_LOG_LEVEL")
	setString(&c.Log.Format, "GRIDLINK_LOG_FORMAT")
	if v, ok := os.LookupEnv("GRIDLINK_ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = splitList(v)
	}
	if v, ok := os.LookupEnv("GRIDLINK_GRIDS"); ok {
		grids, err := parseGrids(v)
		if err != nil {
			return err
		}
		c.Grids = grids
	}
	if v, ok := os.LookupEnv("GRIDLINK_PRESENCE_TTL"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: GRIDLINK_PRESENCE_TTL: %w", err)
		}
		c.PresenceTTL = n
	}
	return setDuration(&c.RequestTimeout, "GRIDLINK_REQUEST_TIMEOUT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseGrids(v string) ([]GridConfig, error) {
	var grids []GridConfig
	for _, pair := range splitList(v) {
		name, token, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("config: GRIDLINK_GRIDS entry %q is not name=token", pair)
		}
		grids = append(grids, GridConfig{Name: strings.TrimSpace(name), Token: strings.TrimSpace(token)})
	}
	return grids, nil
}

// ParseCodec maps a codec name to its type.
func ParseCodec(name string) (codec.CodecType, error) {
	switch strings.ToLower(name) {
	case "", "binary", "cbor":
		return codec.CodecTypeBinary, nil
	case "json":
		return codec.CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("config: unknown codec %q", name)
}

// Validate reports every problem with the agent configuration.
func (c *Agent) Validate() error {
	var errs []error
	u, err := url.Parse(c.MasterURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("master_url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("master_url: scheme must be ws or wss, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("master_url: missing host"))
	}
	if c.GridToken == "" {
		errs = append(errs, errors.New("grid_token is required"))
	}
	if _, err := semver.NewVersion(strings.TrimPrefix(c.Version, "v")); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if _, err := ParseCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, positive(map[string]time.Duration{
		"reconnect_delay":   c.ReconnectDelay,
		"keepalive":         c.Keepalive,
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"request_timeout":   c.RequestTimeout,
	})...)
	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("handler_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate reports every problem with the master configuration.
func (c *Master) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if len(c.Grids) == 0 {
		errs = append(errs, errors.New("at least one grid is required"))
	}
	names := make(map[string]bool)
	tokens := make(map[string]bool)
	for i, g := range c.Grids {
		if g.Name == "" || g.Token == "" {
			errs = append(errs, fmt.Errorf("grids[%d]: name and token are required", i))
			continue
		}
		if names[g.Name] {
			errs = append(errs, fmt.Errorf("grids[%d]: duplicate name %q", i, g.Name))
		}
		if tokens[g.Token] {
			errs = append(errs, fmt.Errorf("grids[%d]: token shared with another grid", i))
		}
		names[g.Name], tokens[g.Token] = true, true
	}
	if _, err := semver.NewVersion(strings.TrimPrefix(c.MinAgentVersion, "v")); err != nil {
		errs = append(errs, fmt.Errorf("min_agent_version: %w", err))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("presence_ttl must be positive"))
	}
	if _, err := ParseCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	errs = append(errs, positive(map[string]time.Duration{
		"request_timeout":     c.RequestTimeout,
		"keepalive":           c.Keepalive,
		"write_timeout":       c.WriteTimeout,
		"durable.retry_delay": c.Durable.RetryDelay,
	})...)

	needEtcd := false
	switch c.Registry {
	case BackendMemory:
	case BackendEtcd:
		needEtcd = true
	default:
		errs = append(errs, fmt.Errorf("registry: unknown backend %q", c.Registry))
	}
	switch c.Durable.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Durable.SQLite.Path == "" {
			errs = append(errs, errors.New("durable.sqlite.path is required for the sqlite backend"))
		}
	case BackendEtcd:
		needEtcd = true
	default:
		errs = append(errs, fmt.Errorf("durable.backend: unknown backend %q", c.Durable.Backend))
	}
	if needEtcd && len(c.EtcdEndpoints) == 0 {
		errs = append(errs, errors.New("etcd_endpoints are required for etcd backends"))
	}
	return errors.Join(errs...)
}

func positive(fields map[string]time.Duration) []error {
	var errs []error
	for name, d := range fields {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errs
}
