// Package config loads sqrlctl settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage   StorageConfig
	KDF       KDFConfig
	Identity  IdentityConfig
	Transport TransportConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type StorageConfig struct {
	Path string
}

type KDFConfig struct {
	LogN             uint8
	PasswordSeconds  int
	RescueSeconds    int
	QuickPassSeconds int
}

type IdentityConfig struct {
	HintLength         uint8
	IdleTimeoutMinutes uint16
	QuickPass          bool
}

type TransportConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Textfile string
}

func Default() Config {
	return Config{
		Storage: StorageConfig{Path: "sqrl.db"},
		KDF: KDFConfig{
			LogN:             9,
			PasswordSeconds:  5,
			RescueSeconds:    60,
			QuickPassSeconds: 1,
		},
		Identity: IdentityConfig{
			HintLength:         4,
			IdleTimeoutMinutes: 5,
			QuickPass:          true,
		},
		Transport: TransportConfig{
			Timeout:           15 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// File mirrors the YAML layout. Pointers distinguish unset from zero.
type File struct {
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	KDF struct {
		LogN             *uint8 `yaml:"logN"`
		PasswordSeconds  *int   `yaml:"passwordSeconds"`
		RescueSeconds    *int   `yaml:"rescueSeconds"`
		QuickPassSeconds *int   `yaml:"quickPassSeconds"`
	} `yaml:"kdf"`
	Identity struct {
		HintLength         *uint8  `yaml:"hintLength"`
		IdleTimeoutMinutes *uint16 `yaml:"idleTimeoutMinutes"`
		QuickPass          *bool   `yaml:"quickPass"`
	} `yaml:"identity"`
	Transport struct {
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requestsPerSecond"`
		Burst             int           `yaml:"burst"`
	} `yaml:"transport"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

var defaultCandidates = []string{"configs/sqrlctl.yaml", "sqrlctl.yaml"}

// LoadFromPath merges the file at path (or the first default candidate that
// exists) over Default, then applies SQRL_* overrides. An explicit path
// that cannot be read or parsed is an error; missing candidates are not.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()
	candidates := defaultCandidates
	if path != "" {
		candidates = []string{path}
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("config: read %s: %w", candidate, err)
		}
		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", candidate, err)
		}
		Merge(&cfg, parsed)
		break
	}
	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src File) {
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.KDF.LogN != nil {
		dst.KDF.LogN = *src.KDF.LogN
	}
	if src.KDF.PasswordSeconds != nil {
		dst.KDF.PasswordSeconds = *src.KDF.PasswordSeconds
	}
	if src.KDF.RescueSeconds != nil {
		dst.KDF.RescueSeconds = *src.KDF.RescueSeconds
	}
	if src.KDF.QuickPassSeconds != nil {
		dst.KDF.QuickPassSeconds = *src.KDF.QuickPassSeconds
	}
	if src.Identity.HintLength != nil {
		dst.Identity.HintLength = *src.Identity.HintLength
	}
	if src.Identity.IdleTimeoutMinutes != nil {
		dst.Identity.IdleTimeoutMinutes = *src.Identity.IdleTimeoutMinutes
	}
	if src.Identity.QuickPass != nil {
		dst.Identity.QuickPass = *src.Identity.QuickPass
	}
	if src.Transport.Timeout != 0 {
		dst.Transport.Timeout = src.Transport.Timeout
	}
	if src.Transport.RequestsPerSecond != 0 {
		dst.Transport.RequestsPerSecond = src.Transport.RequestsPerSecond
	}
	if src.Transport.Burst != 0 {
		dst.Transport.Burst = src.Transport.Burst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	if src.Metrics.Textfile != "" {
		dst.Metrics.Textfile = src.Metrics.Textfile
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("SQRL_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := envString("SQRL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("SQRL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.KDF.LogN = uint8(envBoundedInt("SQRL_KDF_LOGN", int(cfg.KDF.LogN), 1, 20))
	cfg.Transport.Timeout = envDuration("SQRL_TRANSPORT_TIMEOUT", cfg.Transport.Timeout)
	cfg.Identity.QuickPass = envBool("SQRL_QUICKPASS", cfg.Identity.QuickPass)
}

var (
	ErrInvalidLogN   = errors.New("config: kdf.logN must be between 1 and 20")
	ErrInvalidFormat = errors.New("config: log.format must be json or text")
)

func (c Config) Validate() error {
	if c.KDF.LogN < 1 || c.KDF.LogN > 20 {
		return ErrInvalidLogN
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Log.Format)
	}
	if c.KDF.PasswordSeconds <= 0 || c.KDF.RescueSeconds <= 0 {
		return errors.New("config: kdf durations must be positive")
	}
	return nil
}

func (k KDFConfig) PasswordTime() time.Duration {
	return time.Duration(k.PasswordSeconds) * time.Second
}

func (k KDFConfig) RescueTime() time.Duration {
	return time.Duration(k.RescueSeconds) * time.Second
}

func (k KDFConfig) QuickPassTime() time.Duration {
	return time.Duration(k.QuickPassSeconds) * time.Second
}
