package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig carries ledger engine policy knobs that operators tune at
// runtime without a restart.
type EngineConfig struct {
	// MaxMetadataKeys bounds the opaque metadata map accepted on commands.
	MaxMetadataKeys int `mapstructure:"maxMetadataKeys"`
	// MaxDescriptionLength bounds free-text descriptions on commands.
	MaxDescriptionLength int `mapstructure:"maxDescriptionLength"`
	// BalanceCacheTTL controls how long cached balance reads stay fresh.
	BalanceCacheTTL time.Duration `mapstructure:"balanceCacheTTL"`
	// CommandRatePerSecond / CommandBurst feed the redis token bucket.
	CommandRatePerSecond int `mapstructure:"commandRatePerSecond"`
	CommandBurst         int `mapstructure:"commandBurst"`
	// SchedulerInterval drives billing-run and expiry sweeps.
	SchedulerInterval time.Duration `mapstructure:"schedulerInterval"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxMetadataKeys:      50,
		MaxDescriptionLength: 1024,
		BalanceCacheTTL:      30 * time.Second,
		CommandRatePerSecond: 100,
		CommandBurst:         200,
		SchedulerInterval:    time.Minute,
	}
}

// EngineConfigHolder hot-reloads engine policy from ledgerd.yml.
type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("ledgerd")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ledgerd/config")
	v.AddConfigPath("/etc/ledgerd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEDGERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.maxMetadataKeys", defaults.MaxMetadataKeys)
	v.SetDefault("engine.maxDescriptionLength", defaults.MaxDescriptionLength)
	v.SetDefault("engine.balanceCacheTTL", defaults.BalanceCacheTTL)
	v.SetDefault("engine.commandRatePerSecond", defaults.CommandRatePerSecond)
	v.SetDefault("engine.commandBurst", defaults.CommandBurst)
	v.SetDefault("engine.schedulerInterval", defaults.SchedulerInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticEngineConfigHolder pins the holder to cfg without watching any
// config file. Intended for tests and one-shot tools.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.MaxMetadataKeys <= 0 {
		return errors.New("engine.maxMetadataKeys must be positive")
	}
	if cfg.MaxDescriptionLength <= 0 {
		return errors.New("engine.maxDescriptionLength must be positive")
	}
	if cfg.BalanceCacheTTL <= 0 {
		return errors.New("engine.balanceCacheTTL must be positive")
	}
	if cfg.CommandRatePerSecond <= 0 || cfg.CommandBurst <= 0 {
		return errors.New("engine rate limit values must be positive")
	}
	if cfg.SchedulerInterval <= 0 {
		return errors.New("engine.schedulerInterval must be positive")
	}
	return nil
}
