package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
)

// Config holds the tunables of discovery, casting and the media server.
type Config struct {
	DiscoveryWindow time.Duration `mapstructure:"discovery_window"`
	ServiceTypes    []string      `mapstructure:"service_types"`
	ResolveTimeout  time.Duration `mapstructure:"resolve_timeout"`

	BroadcastPorts   []int         `mapstructure:"broadcast_ports"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout"`
	SSDP             bool          `mapstructure:"ssdp"`

	ScanHostLimit int           `mapstructure:"scan_host_limit"`
	ScanPorts     []int         `mapstructure:"scan_ports"`
	ScanTimeout   time.Duration `mapstructure:"scan_timeout"`
	ScanWorkers   int           `mapstructure:"scan_workers"`
	ScanRate      float64       `mapstructure:"scan_rate"`

	MediaPort int    `mapstructure:"media_port"`
	MediaPath string `mapstructure:"media_path"`

	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	GenericPaths   []string      `mapstructure:"generic_paths"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DiscoveryWindow:  15 * time.Second,
		ServiceTypes:     []string{"_raop._tcp"},
		ResolveTimeout:   5 * time.Second,
		BroadcastPorts:   []int{48689, 8121, 2425},
		BroadcastTimeout: 3 * time.Second,
		ScanHostLimit:    50,
		ScanPorts:        []int{7000, 7100, 8008, 8009},
		ScanTimeout:      200 * time.Millisecond,
		ScanWorkers:      16,
		ScanRate:         200,
		MediaPort:        8080,
		MediaPath:        "/video",
		AttemptTimeout:   5 * time.Second,
		GenericPaths:     []string{"/play", "/stream", "/media", "/cast"},
		LogLevel:         "info",
	}
}

// GetAppConfig loads the config from the default location.
func GetAppConfig() (*Config, error) {
	return Load("")
}

// Load reads the config file at path, or at the default location when
// path is empty. A missing file is created with the defaults. Keys
// absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = appPath()
		if err != nil {
			return nil, fmt.Errorf("Load: failed to access config path due to error %w", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			conf := Default()
			if err := conf.Save(path); err != nil {
				return nil, fmt.Errorf("Load: failed to create default config due to error %w", err)
			}

			return conf, nil
		}

		return nil, fmt.Errorf("Load: failed to open config due to error %w", err)
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("Load: failed to decode config due to error %w", err)
	}

	conf := Default()
	if err := Decode(raw, conf); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	return conf, nil
}

// Decode merges raw settings into conf. Durations may be given as
// strings such as "200ms" and numbers may be quoted.
func Decode(raw map[string]any, conf *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		// Lists from the file replace the defaults instead of overlaying them.
		ZeroFields: true,
		Result:     conf,
	})
	if err != nil {
		return fmt.Errorf("Decode: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("Decode: %w", err)
	}

	return nil
}

// Validate rejects settings the probers and servers can't work with.
func (c *Config) Validate() error {
	var errs []error

	positive := []struct {
		name  string
		value int64
	}{
		{"discovery_window", int64(c.DiscoveryWindow)},
		{"resolve_timeout", int64(c.ResolveTimeout)},
		{"broadcast_timeout", int64(c.BroadcastTimeout)},
		{"scan_host_limit", int64(c.ScanHostLimit)},
		{"scan_timeout", int64(c.ScanTimeout)},
		{"scan_workers", int64(c.ScanWorkers)},
		{"attempt_timeout", int64(c.AttemptTimeout)},
	}

	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}

	if c.ScanHostLimit > 254 {
		errs = append(errs, fmt.Errorf("scan_host_limit %d exceeds a /24", c.ScanHostLimit))
	}

	if c.ScanRate <= 0 {
		errs = append(errs, errors.New("scan_rate must be positive"))
	}

	if c.MediaPort <= 0 || c.MediaPort > 65535 {
		errs = append(errs, fmt.Errorf("media_port %d out of range", c.MediaPort))
	}

	if len(c.MediaPath) == 0 || c.MediaPath[0] != '/' {
		errs = append(errs, fmt.Errorf("media_path %q must start with /", c.MediaPath))
	}

	for _, ports := range [][]int{c.BroadcastPorts, c.ScanPorts} {
		for _, p := range ports {
			if p <= 0 || p > 65535 {
				errs = append(errs, fmt.Errorf("port %d out of range", p))
			}
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// Level returns the configured log level, info when unset or invalid.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return lvl
}

// Save writes the config as JSON, durations in their string form.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("Save: failed to create config dir due to error %w", err)
	}

	b, err := json.MarshalIndent(c.toMap(), "", "  ")
	if err != nil {
		return fmt.Errorf("Save: failed to marshal json due to error %w", err)
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("Save: failed save config due to error %w", err)
	}

	return nil
}

func (c *Config) toMap() map[string]any {
	return map[string]any{
		"discovery_window":  c.DiscoveryWindow.String(),
		"service_types":     c.ServiceTypes,
		"resolve_timeout":   c.ResolveTimeout.String(),
		"broadcast_ports":   c.BroadcastPorts,
		"broadcast_timeout": c.BroadcastTimeout.String(),
		"ssdp":              c.SSDP,
		"scan_host_limit":   c.ScanHostLimit,
		"scan_ports":        c.ScanPorts,
		"scan_timeout":      c.ScanTimeout.String(),
		"scan_workers":      c.ScanWorkers,
		"scan_rate":         c.ScanRate,
		"media_port":        c.MediaPort,
		"media_path":        c.MediaPath,
		"attempt_timeout":   c.AttemptTimeout.String(),
		"generic_paths":     c.GenericPaths,
		"log_level":         c.LogLevel,
	}
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appPath: failed to get config file due to error %w", err)
	}

	return filepath.Join(oscfg, "screenbeam", "settings.json"), nil
}
