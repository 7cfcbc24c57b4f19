package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pgrouter.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Router      RouterConfig      `yaml:"router"`
	Startup     StartupConfig     `yaml:"startup"`
	Users       map[string]string `yaml:"users"`
	Targets     []TargetConfig    `yaml:"targets"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// ListenConfig defines the ports and bind addresses pgrouter listens on.
type ListenConfig struct {
	Port    int    `yaml:"port"`
	Bind    string `yaml:"bind"`
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// RouterConfig holds the four SQL templates the routing session sends around
// multi-node commands. They are opaque to the router and sent verbatim.
type RouterConfig struct {
	MainSQL      string `yaml:"main_sql"`
	SecondarySQL string `yaml:"secondary_sql"`
	LockSQL      string `yaml:"lock_sql"`
	UnlockSQL    string `yaml:"unlock_sql"`
}

// StartupConfig holds the parameters sent to every backend in the
// StartupMessage.
type StartupConfig struct {
	User            string `yaml:"user"`
	Database        string `yaml:"database"`
	ApplicationName string `yaml:"application_name"`
}

// TargetConfig describes one backend server. The first target in the list is
// the main node.
type TargetConfig struct {
	Name           string         `yaml:"name"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	TLS            string         `yaml:"tls"` // disable, prefer or require
	ConnectTimeout *time.Duration `yaml:"connect_timeout,omitempty"`
}

// HealthCheckConfig controls the target health monitor.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	AutoMaintenance   bool          `yaml:"auto_maintenance"`
}

// Addr returns the host:port of a target.
func (t TargetConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// EffectiveConnectTimeout returns the target's connect timeout or the
// default.
func (t TargetConfig) EffectiveConnectTimeout() time.Duration {
	if t.ConnectTimeout != nil {
		return *t.ConnectTimeout
	}
	return 10 * time.Second
}

// TLSEnabled returns true if both TLS cert and key paths are configured for
// the client-facing listener.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 5433
	}
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Router.MainSQL == "" {
		cfg.Router.MainSQL = "SELECT 1"
	}
	if cfg.Router.SecondarySQL == "" {
		cfg.Router.SecondarySQL = "SELECT 1"
	}
	if cfg.Router.LockSQL == "" {
		cfg.Router.LockSQL = "SELECT pg_advisory_lock(4007)"
	}
	if cfg.Router.UnlockSQL == "" {
		cfg.Router.UnlockSQL = "SELECT pg_advisory_unlock(4007)"
	}
	if cfg.Startup.ApplicationName == "" {
		cfg.Startup.ApplicationName = "pgrouter"
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].TLS == "" {
			cfg.Targets[i].TLS = "prefer"
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if cfg.Startup.User == "" {
		return fmt.Errorf("startup user is required")
	}

	seen := make(map[string]bool)
	for i, target := range cfg.Targets {
		if target.Name == "" {
			return fmt.Errorf("target %d: name is required", i)
		}
		if seen[target.Name] {
			return fmt.Errorf("target %q: duplicate name", target.Name)
		}
		seen[target.Name] = true

		if target.Host == "" {
			return fmt.Errorf("target %q: host is required", target.Name)
		}
		if target.Port == 0 {
			return fmt.Errorf("target %q: port is required", target.Name)
		}
		switch target.TLS {
		case "disable", "prefer", "require":
		default:
			return fmt.Errorf("target %q: tls must be disable, prefer or require", target.Name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
