// Package config loads the typed configuration every component reads
// at startup, from YAML plus PRXFINDER_-prefixed environment overrides,
// with selective hot-reload for the keys that are safe to swap under a
// running pipeline.
//
// Grounded on thushan-olla's internal/config (viper + fsnotify,
// DefaultConfig, debounced OnConfigChange) and mercator-hq-jupiter's
// defaults-then-override layering.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DefaultFileWriteDelay debounces a reload past the moment the watched
// file finishes being rewritten.
const DefaultFileWriteDelay = 150 * time.Millisecond

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Config is every configuration key spec.md §6 names, plus the ambient
// keys SPEC_FULL.md adds for logging, metrics, and the control API
// address. The config file's own path is not a field here; Load takes
// it from $PRXFINDER_CONFIG_FILE.
type Config struct {
	PostgresURI string `mapstructure:"postgresql_uri"`

	TCPLimitPerHost    int  `mapstructure:"tcp_limit_per_host"`
	VerifySSL          bool `mapstructure:"verify_ssl"`
	LimitCheckerQueues int  `mapstructure:"limit_checker_queues"`
	LimitCheckProxy    int  `mapstructure:"limit_check_proxy"`
	StartCheckProxy    bool `mapstructure:"start_check_proxy"`

	ParseSources []string `mapstructure:"parse_sources"`

	DeltaMinutesForCheck int `mapstructure:"delta_minutes_for_check"`

	RelayListenPort int `mapstructure:"relay_listen_port"`

	ProbeURL            string `mapstructure:"probe_url"`
	ProbeTimeoutSeconds int    `mapstructure:"probe_timeout_seconds"`

	GeoAPIBase string `mapstructure:"geo_api_base"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	APIListenAddr string `mapstructure:"api_listen_addr"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TCPLimitPerHost:      100,
		VerifySSL:            false,
		LimitCheckerQueues:   0,
		LimitCheckProxy:      50,
		StartCheckProxy:      true,
		ParseSources:         []string{},
		DeltaMinutesForCheck: 60,
		RelayListenPort:      5555,
		ProbeURL:             "http://httpbin.org/status/200",
		ProbeTimeoutSeconds:  180,
		GeoAPIBase:           "https://freegeoip.app/json/",
		LogLevel:             "info",
		LogFormat:            "json",
		MetricsListenAddr:    ":9100",
		APIListenAddr:        "127.0.0.1:8888",
	}
}

// hotReloadable lists the mapstructure keys whose change alone lets a
// file reload reach Load's onHotReload callback — the DB URI and listen
// ports are not among them. Whether a new value takes effect in the
// running process is up to that callback.
var hotReloadable = map[string]bool{
	"delta_minutes_for_check": true,
	"limit_check_proxy":       true,
	"log_level":               true,
}

// Load reads configuration from config.yaml (or $PRXFINDER_CONFIG_FILE)
// plus PRXFINDER_-prefixed environment overrides. If onHotReload is
// non-nil, it's invoked after a file change that touched only
// hot-reloadable keys.
func Load(onHotReload func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigType("yaml")
	if path := os.Getenv("PRXFINDER_CONFIG_FILE"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.SetEnvPrefix("PRXFINDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Unmarshal only sees environment values for keys viper already
	// knows, so bind every key explicitly.
	for _, key := range []string{
		"postgresql_uri", "tcp_limit_per_host", "verify_ssl", "limit_checker_queues",
		"limit_check_proxy", "start_check_proxy", "parse_sources", "delta_minutes_for_check",
		"relay_listen_port", "probe_url", "probe_timeout_seconds", "geo_api_base",
		"log_level", "log_format", "metrics_listen_addr", "api_listen_addr",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode config: %w", err)
	}

	viper.WatchConfig()

	if onHotReload != nil {
		prev := *cfg
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now
			time.Sleep(DefaultFileWriteDelay)

			next := DefaultConfig()
			if err := viper.Unmarshal(next); err != nil {
				return
			}
			if !onlyHotReloadableChanged(&prev, next) {
				return
			}
			prev = *next
			onHotReload(next)
		})
	}

	return cfg, nil
}

// onlyHotReloadableChanged reports whether every differing field
// between a and b is in hotReloadable; any other change (DB URI, listen
// ports) needs a process restart to take effect, so the reload is
// suppressed.
func onlyHotReloadableChanged(a, b *Config) bool {
	restartOnly := a.PostgresURI != b.PostgresURI ||
		a.RelayListenPort != b.RelayListenPort ||
		a.APIListenAddr != b.APIListenAddr ||
		a.MetricsListenAddr != b.MetricsListenAddr ||
		a.TCPLimitPerHost != b.TCPLimitPerHost ||
		a.VerifySSL != b.VerifySSL ||
		a.ProbeURL != b.ProbeURL ||
		a.ProbeTimeoutSeconds != b.ProbeTimeoutSeconds ||
		a.GeoAPIBase != b.GeoAPIBase ||
		a.LogFormat != b.LogFormat ||
		a.LimitCheckerQueues != b.LimitCheckerQueues ||
		a.StartCheckProxy != b.StartCheckProxy ||
		!slices.Equal(a.ParseSources, b.ParseSources)
	return !restartOnly
}
