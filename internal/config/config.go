// Package config loads and validates runner configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/policy/ratelimit"
	"github.com/JakeFAU/leadflow/internal/retry"
)

// Session store backends.
const (
	SessionMemory = "memory"
	SessionLocal  = "local"
	SessionGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Stages    map[string]StageConfig  `mapstructure:"stages"`
	Browser   BrowserConfig           `mapstructure:"browser"`
	Static    StaticConfig            `mapstructure:"static"`
	Session   SessionConfig           `mapstructure:"session"`
	DB        DBConfig                `mapstructure:"db"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Retry     map[string]retry.Policy `mapstructure:"retry"`
	Cluster   ClusterConfig           `mapstructure:"cluster"`
	RateLimit ratelimit.Config        `mapstructure:"ratelimit"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
	Logging   LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig controls the coordination server.
type ServerConfig struct {
	// Host is advertised to peer runners together with the stage port.
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StageConfig tunes one pipeline stage.
type StageConfig struct {
	Port         int                    `mapstructure:"port"`
	ItemTimeout  time.Duration          `mapstructure:"item_timeout"`
	IdleDelay    time.Duration          `mapstructure:"idle_delay"`
	SourceTable  string                 `mapstructure:"source_table"`
	DerivedTable string                 `mapstructure:"derived_table"`
	SearchURL    string                 `mapstructure:"search_url"`
	Attributes   []string               `mapstructure:"attributes"`
	Selectors    map[string]string      `mapstructure:"selectors"`
	Listing      pages.ListingSelectors `mapstructure:"listing"`
	// RenderScripts re-renders script-built pages in the browser after a static fetch.
	RenderScripts bool `mapstructure:"render_scripts"`
}

// BrowserConfig controls the shared browser and its context pool.
type BrowserConfig struct {
	MaxContexts       int           `mapstructure:"max_contexts"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ReleaseTimeout    time.Duration `mapstructure:"release_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
	Scrolls           int           `mapstructure:"scrolls"`
	// SessionName selects the persisted browser session. Empty disables persistence.
	SessionName string `mapstructure:"session_name"`
}

// StaticConfig controls plain HTTP page fetches.
type StaticConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// SessionConfig selects where browser sessions are persisted.
type SessionConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds the compensation alert topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ClusterConfig controls runner registration and key routing.
type ClusterConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TTL               time.Duration `mapstructure:"ttl"`
}

// MetricsConfig controls the periodic metrics report.
type MetricsConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, p := range cfg.Retry {
		p.Name = name
		cfg.Retry[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	stageDefaults := []struct {
		name, source, derived string
		port                  int
		timeout               time.Duration
	}{
		{"discovery", "search_queries", "businesses", 3020, 3 * time.Minute},
		{"profile", "businesses", "business_profiles", 3030, 5 * time.Minute},
		{"website", "businesses", "business_contacts", 3040, 5 * time.Minute},
	}
	for _, s := range stageDefaults {
		prefix := "stages." + s.name + "."
		v.SetDefault(prefix+"port", s.port)
		v.SetDefault(prefix+"item_timeout", s.timeout)
		v.SetDefault(prefix+"idle_delay", 3*time.Second)
		v.SetDefault(prefix+"source_table", s.source)
		v.SetDefault(prefix+"derived_table", s.derived)
	}
	v.SetDefault("stages.discovery.search_url", "https://www.google.com/maps/search/%s")

	v.SetDefault("browser.max_contexts", 10)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "leadflow-bot/0.1")
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.release_timeout", 10*time.Second)
	v.SetDefault("browser.wait_selector", "body")
	v.SetDefault("browser.scrolls", 3)
	v.SetDefault("browser.session_name", "default")

	v.SetDefault("static.user_agent", "leadflow-bot/0.1")
	v.SetDefault("static.timeout", 15*time.Second)
	v.SetDefault("static.respect_robots", true)

	v.SetDefault("session.backend", SessionMemory)
	v.SetDefault("session.bucket", "")
	v.SetDefault("session.prefix", "sessions")
	v.SetDefault("session.local_dir", ".leadflow/sessions")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db.migrate", true)

	for name, p := range retry.Defaults() {
		prefix := "retry." + name + "."
		v.SetDefault(prefix+"max_attempts", p.MaxAttempts)
		v.SetDefault(prefix+"base_delay", p.BaseDelay)
		v.SetDefault(prefix+"max_delay", p.MaxDelay)
	}

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.heartbeat_interval", 10*time.Second)
	v.SetDefault("cluster.ttl", 30*time.Second)

	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 2)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("metrics.report_interval", 30*time.Second)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage must be configured")
	}
	for _, name := range c.StageNames() {
		if err := c.Stages[name].validate(name); err != nil {
			return err
		}
	}
	if c.Browser.MaxContexts <= 0 || c.Browser.MaxContexts > 10 {
		return fmt.Errorf("browser.max_contexts must be between 1 and 10")
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be > 0")
	}
	switch c.Session.Backend {
	case SessionMemory:
	case SessionLocal:
		if c.Session.LocalDir == "" {
			return fmt.Errorf("session.local_dir must be set for the local backend")
		}
	case SessionGCS:
		if c.Session.Bucket == "" {
			return fmt.Errorf("session.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("session.backend %q is not one of memory, local, gcs", c.Session.Backend)
	}
	for _, p := range c.Retry {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if c.Cluster.Enabled {
		if c.DB.DSN == "" {
			return fmt.Errorf("cluster.enabled requires db.dsn")
		}
		if c.Cluster.HeartbeatInterval <= 0 || c.Cluster.TTL <= c.Cluster.HeartbeatInterval {
			return fmt.Errorf("cluster.ttl must exceed cluster.heartbeat_interval")
		}
	}
	if c.Metrics.ReportInterval <= 0 {
		return fmt.Errorf("metrics.report_interval must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (s StageConfig) validate(name string) error {
	if s.Port <= 0 {
		return fmt.Errorf("stages.%s.port must be > 0", name)
	}
	if s.ItemTimeout <= 0 {
		return fmt.Errorf("stages.%s.item_timeout must be > 0", name)
	}
	if s.IdleDelay < 0 {
		return fmt.Errorf("stages.%s.idle_delay must be >= 0", name)
	}
	if s.SourceTable == "" {
		return fmt.Errorf("stages.%s.source_table must be set", name)
	}
	if _, err := pages.ParseAttributes(s.Attributes); err != nil {
		return fmt.Errorf("stages.%s.attributes: %w", name, err)
	}
	if _, err := pages.ParseSelectors(s.Selectors); err != nil {
		return fmt.Errorf("stages.%s.selectors: %w", name, err)
	}
	return nil
}

// StageNames lists the configured stages in sorted order.
func (c Config) StageNames() []string {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stage returns the named stage's configuration.
func (c Config) Stage(name string) (StageConfig, error) {
	s, ok := c.Stages[name]
	if !ok {
		return StageConfig{}, fmt.Errorf("stage %q is not configured", name)
	}
	return s, nil
}

// Policy returns the named retry policy, falling back to the built-in default.
func (c Config) Policy(name string) retry.Policy {
	if p, ok := c.Retry[name]; ok && p.MaxAttempts > 0 {
		return p
	}
	return retry.Defaults()[name]
}

// Tables lists every backlog table referenced by the configured stages.
func (c Config) Tables() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range c.StageNames() {
		s := c.Stages[name]
		for _, t := range []string{s.SourceTable, s.DerivedTable} {
			if _, ok := seen[t]; t == "" || ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
