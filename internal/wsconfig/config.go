// Package wsconfig holds the server's ambient tunables: ping interval,
// idle grace period, credential poison timeout, back-pressure
// high-water mark, WebSocket origin allow-list, and the HTTP request
// size ceiling: TOML via go-toml/v2, a Duration wrapper with text
// marshalling, and a Load/defaults split.
package wsconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration marshals as a Go duration string ("5s") in TOML instead of
// go-toml's default integer nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the full set of values a running server reads at startup
// and, for the fields noted below, can pick up without restarting
// in-flight sessions (see Watcher).
type Config struct {
	Bind string `toml:"bind"`

	// PingInterval, IdleGracePeriod, and PoisonTimeout feed
	// router.Config (§4.4.1, §4.4.5).
	PingInterval    Duration `toml:"ping_interval"`
	IdleGracePeriod Duration `toml:"idle_grace_period"`
	PoisonTimeout   Duration `toml:"poison_timeout"`

	// HighWaterMark is the back-pressure threshold in bytes (§5).
	HighWaterMark int64 `toml:"high_water_mark"`

	// AllowedOrigins is the WebSocket origin allow-list (§4.3).
	// Hot-reloadable.
	AllowedOrigins []string `toml:"allowed_origins"`
	BehindTLSProxy bool     `toml:"behind_tls_proxy"`

	// RequestMaximum bounds an HTTP request body in bytes; twice this
	// is the hard termination ceiling (§8). Hot-reloadable.
	RequestMaximum int64 `toml:"request_maximum"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Bind:            "127.0.0.1:9090",
		PingInterval:    Duration{5 * time.Second},
		IdleGracePeriod: Duration{10 * time.Second},
		PoisonTimeout:   Duration{120 * time.Second},
		HighWaterMark:   1 << 20,
		RequestMaximum:  4 << 20,
	}
}

// Load reads configPath, falling back to Default() if the file does
// not exist, and fills in zero-valued fields from Default() otherwise,
// so a partial file never leaves a tunable at its TOML zero value.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := *Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Bind == "" {
		cfg.Bind = Default().Bind
	}
	if cfg.PingInterval.Duration == 0 {
		cfg.PingInterval = Default().PingInterval
	}
	if cfg.IdleGracePeriod.Duration == 0 {
		cfg.IdleGracePeriod = Default().IdleGracePeriod
	}
	if cfg.PoisonTimeout.Duration == 0 {
		cfg.PoisonTimeout = Default().PoisonTimeout
	}
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = Default().HighWaterMark
	}
	if cfg.RequestMaximum == 0 {
		cfg.RequestMaximum = Default().RequestMaximum
	}

	return &cfg, nil
}
