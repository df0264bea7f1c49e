package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenbeam", "settings.json")

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !reflect.DeepEqual(conf, Default()) {
		t.Fatalf("Load() = %+v, want defaults", conf)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}

	if !reflect.DeepEqual(again, Default()) {
		t.Fatalf("round trip = %+v, want defaults", again)
	}
}

func TestLoadMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	body := `{
  "discovery_window": "30s",
  "scan_timeout": "150ms",
  "scan_host_limit": "20",
  "scan_ports": [7000],
  "generic_paths": "/play,/cast",
  "ssdp": true,
  "log_level": "debug"
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if conf.DiscoveryWindow != 30*time.Second {
		t.Errorf("DiscoveryWindow = %v, want 30s", conf.DiscoveryWindow)
	}
	if conf.ScanTimeout != 150*time.Millisecond {
		t.Errorf("ScanTimeout = %v, want 150ms", conf.ScanTimeout)
	}
	if conf.ScanHostLimit != 20 {
		t.Errorf("ScanHostLimit = %d, want 20", conf.ScanHostLimit)
	}
	if !reflect.DeepEqual(conf.ScanPorts, []int{7000}) {
		t.Errorf("ScanPorts = %v, want [7000]", conf.ScanPorts)
	}
	if !reflect.DeepEqual(conf.GenericPaths, []string{"/play", "/cast"}) {
		t.Errorf("GenericPaths = %v", conf.GenericPaths)
	}
	if !conf.SSDP {
		t.Error("SSDP = false, want true")
	}
	if conf.Level() != zerolog.DebugLevel {
		t.Errorf("Level() = %v, want debug", conf.Level())
	}

	// Untouched keys keep their defaults.
	if conf.MediaPort != 8080 || conf.MediaPath != "/video" {
		t.Errorf("media settings = %d %q, want defaults", conf.MediaPort, conf.MediaPath)
	}
}

func TestLoadErrors(t *testing.T) {
	tt := []struct {
		name string
		body string
	}{
		{"broken json", `{"scan_timeout":`},
		{"bad duration", `{"scan_timeout": "soon"}`},
		{"invalid values", `{"scan_workers": 0}`},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.json")
			if err := os.WriteFile(path, []byte(tc.body), 0644); err != nil {
				t.Fatal(err)
			}

			if _, err := Load(path); err == nil {
				t.Fatal("Load() error = nil, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tt := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero window", func(c *Config) { c.DiscoveryWindow = 0 }, true},
		{"host limit above /24", func(c *Config) { c.ScanHostLimit = 300 }, true},
		{"zero rate", func(c *Config) { c.ScanRate = 0 }, true},
		{"media port", func(c *Config) { c.MediaPort = 70000 }, true},
		{"media path", func(c *Config) { c.MediaPath = "video" }, true},
		{"scan port", func(c *Config) { c.ScanPorts = []int{0} }, true},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)

			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLevelFallback(t *testing.T) {
	c := Default()
	c.LogLevel = ""

	if got := c.Level(); got != zerolog.InfoLevel {
		t.Fatalf("Level() = %v, want info", got)
	}
}
