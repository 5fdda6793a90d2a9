// Package config loads the localbeat YAML configuration.
//
// All durations are Go duration strings ("500ms", "5s", "1m"). Omitted fields
// take the defaults below.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups must not depend on the host

	yaml "go.yaml.in/yaml/v3"
)

type File struct {
	DB     string     `yaml:"db"`
	Addr   string     `yaml:"addr"`
	Log    LogFile    `yaml:"log"`
	Beat   BeatFile   `yaml:"beat"`
	Worker WorkerFile `yaml:"worker"`
	Store  StoreFile  `yaml:"store"`
	Debug  bool       `yaml:"debug"`
}

type LogFile struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console"`
}

// BeatFile controls the periodic scheduler.
//
// Defaults:
//   - enabled: true
//   - refresh_interval: 5s
//   - max_interval: 5s
//   - recheck_delay: 5s
//   - retry_jitter: 1s
//   - timezone: UTC
type BeatFile struct {
	Enabled         *bool  `yaml:"enabled"`
	RefreshInterval string `yaml:"refresh_interval"`
	MaxInterval     string `yaml:"max_interval"`
	RecheckDelay    string `yaml:"recheck_delay"`
	RetryJitter     string `yaml:"retry_jitter"`
	Timezone        string `yaml:"timezone"`
}

type WorkerFile struct {
	Enabled *bool  `yaml:"enabled"`
	Count   int    `yaml:"count"`
	Poll    string `yaml:"poll"`
	Queue   string `yaml:"queue"`
}

type StoreFile struct {
	BusyTimeout string `yaml:"busy_timeout"`
}

// Config is the resolved configuration.
type Config struct {
	DB         string
	Addr       string
	LogLevel   string
	LogConsole bool
	Debug      bool

	Beat   Beat
	Worker Worker

	BusyTimeout time.Duration
}

type Beat struct {
	Enabled         bool
	RefreshInterval time.Duration
	MaxInterval     time.Duration
	RecheckDelay    time.Duration
	RetryJitter     time.Duration
	Location        *time.Location
}

type Worker struct {
	Enabled bool
	Count   int
	Poll    time.Duration
	Queue   string
}

func Default() Config {
	c, _ := resolve(File{})
	return c
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML strictly: unknown keys are an error.
func Parse(data []byte) (Config, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(f)
}

func resolve(f File) (Config, error) {
	c := Config{
		DB:         orDefault(f.DB, "localbeat.db"),
		Addr:       orDefault(f.Addr, ":8080"),
		LogLevel:   orDefault(strings.ToLower(f.Log.Level), "info"),
		LogConsole: boolOr(f.Log.Console, true),
		Debug:      f.Debug,
	}

	var err error
	b := Beat{Enabled: boolOr(f.Beat.Enabled, true)}
	if b.RefreshInterval, err = ParseDurationOrDefault("beat.refresh_interval", f.Beat.RefreshInterval, 5*time.Second); err != nil {
		return Config{}, err
	}
	if b.MaxInterval, err = ParseDurationOrDefault("beat.max_interval", f.Beat.MaxInterval, 5*time.Second); err != nil {
		return Config{}, err
	}
	if b.RecheckDelay, err = ParseDurationOrDefault("beat.recheck_delay", f.Beat.RecheckDelay, 5*time.Second); err != nil {
		return Config{}, err
	}
	if b.RetryJitter, err = ParseDurationOrDefault("beat.retry_jitter", f.Beat.RetryJitter, time.Second); err != nil {
		return Config{}, err
	}
	if b.Location, err = time.LoadLocation(orDefault(f.Beat.Timezone, "UTC")); err != nil {
		return Config{}, fmt.Errorf("beat.timezone: %w", err)
	}
	c.Beat = b

	w := Worker{Enabled: boolOr(f.Worker.Enabled, true), Count: f.Worker.Count, Queue: f.Worker.Queue}
	if w.Count < 0 {
		return Config{}, fmt.Errorf("worker.count: must be >= 0")
	}
	if w.Count == 0 {
		w.Count = 4
	}
	if w.Poll, err = ParseDurationOrDefault("worker.poll", f.Worker.Poll, 250*time.Millisecond); err != nil {
		return Config{}, err
	}
	c.Worker = w

	if c.BusyTimeout, err = ParseDurationOrDefault("store.busy_timeout", f.Store.BusyTimeout, 5*time.Second); err != nil {
		return Config{}, err
	}
	return c, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
