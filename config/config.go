package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/studyhall/collab/globals"
)

const (
	defaultHeartbeatSeconds = 15
	defaultHistorySize      = 500
	defaultFlushMillis      = 500
	defaultFlushBatch       = 64
	defaultCacheSize        = 1024
	defaultCapacity         = 64
)

// Config is the global configuration object which is filled via the
// configuration file, environment (prefix STUDYHALL) and command-line flags.
type Config struct {
	InstanceConfig    InstanceConfig    `mapstructure:"instance"`
	PresenceConfig    PresenceConfig    `mapstructure:"presence"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	FanoutConfig      FanoutConfig      `mapstructure:"fanout"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	NotifierConfig    NotifierConfig    `mapstructure:"notifier"`
	RoomConfig        RoomConfig        `mapstructure:"room"`
	LogLevel          string            `mapstructure:"log_level"`
}

// InstanceConfig identifies this server instance within the cluster. The id
// must be unique across live instances; it feeds the room ownership hash.
type InstanceConfig struct {
	Id string `mapstructure:"id"`
}

// PresenceConfig configures the heartbeat-driven liveness state machine.
// Suspect and grace default to 2x and 1x the heartbeat interval, which bounds
// offline detection latency to three heartbeat intervals.
type PresenceConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	SuspectSeconds   int `mapstructure:"suspect_seconds"`
	GraceSeconds     int `mapstructure:"grace_seconds"`
}

func (c PresenceConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds > 0 {
		return time.Duration(c.HeartbeatSeconds) * time.Second
	}
	return defaultHeartbeatSeconds * time.Second
}

func (c PresenceConfig) SuspectAfter() time.Duration {
	if c.SuspectSeconds > 0 {
		return time.Duration(c.SuspectSeconds) * time.Second
	}
	return 2 * c.HeartbeatInterval()
}

func (c PresenceConfig) GraceAfter() time.Duration {
	if c.GraceSeconds > 0 {
		return time.Duration(c.GraceSeconds) * time.Second
	}
	return c.HeartbeatInterval()
}

// HistoryConfig configures the in-memory message log kept per room and the
// asynchronous flush of its tail to the durable log sink. The live path never
// waits for a flush; a crash may lose at most one flush window.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
	FlushMillis int `mapstructure:"flush_millis"`
	FlushBatch  int `mapstructure:"flush_batch"`
}

func (c HistoryConfig) Size() int {
	if c.HistorySize > 0 {
		return c.HistorySize
	}
	return defaultHistorySize
}

func (c HistoryConfig) FlushInterval() time.Duration {
	if c.FlushMillis > 0 {
		return time.Duration(c.FlushMillis) * time.Millisecond
	}
	return defaultFlushMillis * time.Millisecond
}

func (c HistoryConfig) BatchSize() int {
	if c.FlushBatch > 0 {
		return c.FlushBatch
	}
	return defaultFlushBatch
}

// FanoutConfig configures the cross-instance publish/subscribe transport.
// With an empty redis address the in-process bus is used, which only makes
// sense for a single-instance deployment or tests.
type FanoutConfig struct {
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

func (c FanoutConfig) Prefix() string {
	if c.ChannelPrefix != "" {
		return c.ChannelPrefix
	}
	return "collab"
}

// PersistenceConfig selects the durable store backend. Type is one of
// "postgres", "sqlite" or "buntdb".
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	CacheSize int `mapstructure:"cache_size"`
}

func (c PersistenceConfig) RoomCacheSize() int {
	if c.CacheSize > 0 {
		return c.CacheSize
	}
	return defaultCacheSize
}

// An OIDCConfig object configures an OpenID Connect provider used to verify
// the identity tokens presented on join.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

// NotifierConfig configures the fire-and-forget external notifier. An empty
// URL disables it.
type NotifierConfig struct {
	WebhookUrl string `mapstructure:"webhook_url"`
}

// RoomConfig carries room defaults applied on creation.
type RoomConfig struct {
	DefaultCapacity int `mapstructure:"default_capacity"`
}

func (c RoomConfig) Capacity() int {
	if c.DefaultCapacity > 0 {
		return c.DefaultCapacity
	}
	return defaultCapacity
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("instance-id", "i", "", "unique id of this server instance")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.Replace(name, "-", "_", -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath,
// which can either point to a single TOML file or to a directory, in which
// case all *.toml files in this directory are concatenated. It returns a
// Config object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("STUDYHALL")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}
	if cfg.InstanceConfig.Id == "" {
		host, _ := os.Hostname()
		cfg.InstanceConfig.Id = host
	}
	return &cfg, nil
}
