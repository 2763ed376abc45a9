// Package config loads the daemon's tunables the way the donor's
// cmd/bd/config.go loads .beads/config.yaml: a YAML file via
// github.com/spf13/viper, overridable with TREESYNC_-prefixed environment
// variables, defaults baked in per spec.md §6.4, and hot-reloaded with
// github.com/fsnotify/fsnotify (the same watch trigger the donor wires for
// its own config file) for the sse/reconnect/sync tunables that are safe
// to change without a restart.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the fully-resolved set of tunables, read fresh on every Get
// call via the underlying viper instance so a hot reload takes effect
// without restarting anything reading it.
type Config struct {
	v *viper.Viper
}

// SSE holds the SSE broker's tunables (§6.4 sse.*).
type SSE struct {
	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	PublishTimeout     time.Duration
	SubscriberQueueCap int
}

// Reconnect holds the coordinator's backoff tunables (§6.4 reconnect.*).
type Reconnect struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64
	StableThreshold time.Duration
}

// Sync holds the sync engine's batching/retry tunables (§6.4 sync.*).
type Sync struct {
	BatchWindow time.Duration
	MaxRetries  int
	RetryDelays []time.Duration
}

// Reachability holds the reachability monitor's probe tunables (§6.4
// reachability.*).
type Reachability struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sse.heartbeatInterval", "15s")
	v.SetDefault("sse.writeTimeout", "10s")
	v.SetDefault("sse.publishTimeout", "100ms")
	v.SetDefault("sse.subscriberQueueCapacity", 64)

	v.SetDefault("reconnect.baseDelay", "1s")
	v.SetDefault("reconnect.maxDelay", "60s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.jitter", 0.3)
	v.SetDefault("reconnect.stableThreshold", "30s")

	v.SetDefault("sync.batchWindow", "100ms")
	v.SetDefault("sync.maxRetries", 5)
	v.SetDefault("sync.retryDelays", []string{"1s", "2s", "5s", "10s", "30s"})

	v.SetDefault("reachability.probeInterval", "10s")
	v.SetDefault("reachability.probeTimeout", "5s")
}

// Load reads configPath (if it exists) into a fresh Config, applying
// §6.4's defaults first. An empty configPath skips the file entirely and
// returns a Config backed purely by defaults and environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TREESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	return &Config{v: v}, nil
}

// Watch arranges for changes to the backing config file to take effect
// live, calling onChange after each reload. Only meaningful when Load was
// given a real configPath.
func (c *Config) Watch(onChange func(), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config: reloaded", "file", e.Name)
		if onChange != nil {
			onChange()
		}
	})
	c.v.WatchConfig()
}

// SSE returns the broker tunables as currently configured.
func (c *Config) SSE() SSE {
	return SSE{
		HeartbeatInterval:  c.v.GetDuration("sse.heartbeatInterval"),
		WriteTimeout:       c.v.GetDuration("sse.writeTimeout"),
		PublishTimeout:     c.v.GetDuration("sse.publishTimeout"),
		SubscriberQueueCap: c.v.GetInt("sse.subscriberQueueCapacity"),
	}
}

// Reconnect returns the coordinator's backoff tunables as currently
// configured.
func (c *Config) Reconnect() Reconnect {
	return Reconnect{
		BaseDelay:       c.v.GetDuration("reconnect.baseDelay"),
		MaxDelay:        c.v.GetDuration("reconnect.maxDelay"),
		Multiplier:      c.v.GetFloat64("reconnect.multiplier"),
		Jitter:          c.v.GetFloat64("reconnect.jitter"),
		StableThreshold: c.v.GetDuration("reconnect.stableThreshold"),
	}
}

// Sync returns the sync engine's tunables as currently configured.
func (c *Config) Sync() Sync {
	raw := c.v.GetStringSlice("sync.retryDelays")
	delays := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := time.ParseDuration(s)
		if err != nil {
			continue
		}
		delays = append(delays, d)
	}
	return Sync{
		BatchWindow: c.v.GetDuration("sync.batchWindow"),
		MaxRetries:  c.v.GetInt("sync.maxRetries"),
		RetryDelays: delays,
	}
}

// Reachability returns the reachability monitor's tunables as currently
// configured.
func (c *Config) Reachability() Reachability {
	return Reachability{
		ProbeInterval: c.v.GetDuration("reachability.probeInterval"),
		ProbeTimeout:  c.v.GetDuration("reachability.probeTimeout"),
	}
}
