// Package config resolves server settings from defaults, an optional TOML file, the
// environment (including a .env file) and finally command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Jeff-Emmett/rspace-online/pkg/storage"
)

const EnvPrefix = "RSPACE_"

// Duration reads "2s" or "1500ms" from TOML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Addr               string   `toml:"addr"`
	DataDir            string   `toml:"data_dir"`
	Storage            string   `toml:"storage"`
	DatabaseURL        string   `toml:"database_url"`
	PersistQuietPeriod Duration `toml:"persist_quiet_period"`
	PublicDomain       string   `toml:"public_domain"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`

	WSPingInterval      Duration `toml:"ws_ping_interval"`
	WSPongWait          Duration `toml:"ws_pong_wait"`
	WSSendBuffer        int      `toml:"ws_send_buffer"`
	WSMaxMessageBytes   int64    `toml:"ws_max_message_bytes"`
	WSMessagesPerSecond float64  `toml:"ws_messages_per_second"`
	WSMessageBurst      int      `toml:"ws_message_burst"`
}

func Default() Config {
	return Config{
		Addr:                "localhost:3000",
		DataDir:             "./data/communities",
		Storage:             storage.KindFile,
		PersistQuietPeriod:  Duration(2 * time.Second),
		PublicDomain:        "rspace.online",
		LogLevel:            "info",
		LogFormat:           "json",
		WSPingInterval:      Duration(30 * time.Second),
		WSPongWait:          Duration(60 * time.Second),
		WSSendBuffer:        256,
		WSMaxMessageBytes:   16 << 20,
		WSMessagesPerSecond: 200,
		WSMessageBurst:      400,
	}
}

// Load applies the TOML file at path (if any) and then the environment on top of the
// defaults. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := FromEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv overrides cfg with every RSPACE_<KEY> variable that lookup finds, where KEY is
// the upper-cased TOML key.
func FromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
			}
		}
	}
	duration := func(key string, dst *Duration) {
		parse(key, func(v string) error { return dst.UnmarshalText([]byte(v)) })
	}
	integer := func(key string, dst *int) {
		parse(key, func(v string) (err error) {
			*dst, err = strconv.Atoi(v)
			return err
		})
	}

	str("ADDR", &cfg.Addr)
	str("DATA_DIR", &cfg.DataDir)
	str("STORAGE", &cfg.Storage)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("PUBLIC_DOMAIN", &cfg.PublicDomain)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	duration("PERSIST_QUIET_PERIOD", &cfg.PersistQuietPeriod)
	duration("WS_PING_INTERVAL", &cfg.WSPingInterval)
	duration("WS_PONG_WAIT", &cfg.WSPongWait)
	integer("WS_SEND_BUFFER", &cfg.WSSendBuffer)
	integer("WS_MESSAGE_BURST", &cfg.WSMessageBurst)
	parse("WS_MAX_MESSAGE_BYTES", func(v string) (err error) {
		cfg.WSMaxMessageBytes, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("WS_MESSAGES_PER_SECOND", func(v string) (err error) {
		cfg.WSMessagesPerSecond, err = strconv.ParseFloat(v, 64)
		return err
	})
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Storage {
	case storage.KindFile, storage.KindSQLite:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required"))
		}
	case storage.KindPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.PersistQuietPeriod <= 0 {
		errs = append(errs, errors.New("persist_quiet_period must be positive"))
	}
	if c.WSPingInterval <= 0 || c.WSPongWait <= c.WSPingInterval {
		errs = append(errs, errors.New("ws_pong_wait must be longer than a positive ws_ping_interval"))
	}
	if c.WSSendBuffer < 1 {
		errs = append(errs, errors.New("ws_send_buffer must be at least 1"))
	}
	if c.WSMessagesPerSecond < 0 || (c.WSMessagesPerSecond > 0 && c.WSMessageBurst < 1) {
		errs = append(errs, errors.New("ws_message_burst must be at least 1 when rate limiting"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// DocumentURL is where a document's canvas is served.
func (c Config) DocumentURL(slug string) string {
	return "https://" + slug + "." + c.PublicDomain
}
