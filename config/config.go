// Package config loads session and pacer settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryhazerus/pacer"
	"github.com/ryhazerus/pacer/store"
)

// SQLiteFile is the database file name used inside the session root by the
// sqlite backend.
const SQLiteFile = "pacer.db"

// Session says where the shared documents live and how long a worker
// waits for a document lock.
type Session struct {
	Root          string `yaml:"root"`            // session directory shared by all workers
	Backend       string `yaml:"backend"`         // "file", "sqlite" or "memory"
	LockTimeoutMS int    `yaml:"lock_timeout_ms"` // negative waits forever
}

// Observability configures logging and the metrics endpoint of the
// example binaries.
type Observability struct {
	LogLevel    string `yaml:"log_level"`    // "debug","info","warn","error"
	MetricsAddr string `yaml:"metrics_addr"` // e.g. ":9100"; empty disables the endpoint
}

// Frequency is a target rate as written in YAML: calls per unit.
type Frequency struct {
	Calls float64 `yaml:"calls"`
	Per   string  `yaml:"per"` // second, minute, hour or day
}

// Pacer holds the settings of one named pacer. Zero values keep the
// pacer defaults; WarmupMS is a pointer so that an explicit 0 disables
// the warm-up.
type Pacer struct {
	Name          string    `yaml:"name"`
	Frequency     Frequency `yaml:"rate"`
	MaxDrift      float64   `yaml:"max_drift"`
	CheckEvery    int       `yaml:"check_every"`
	WarmupMS      *int      `yaml:"warmup_ms"`
	MaxCalls      int64     `yaml:"max_calls"`
	BurstCapacity int       `yaml:"burst_capacity"`
	RateWindowsS  []int     `yaml:"rate_windows_s"`
}

// Root is the whole configuration file.
type Root struct {
	Session       Session       `yaml:"session"`
	Observability Observability `yaml:"observability"`
	Pacers        []Pacer       `yaml:"pacers"`
}

// LockTimeout bounds how long a worker waits for the document lock. Zero
// means no bound.
func (s Session) LockTimeout() time.Duration {
	if s.LockTimeoutMS < 0 {
		return 0
	}
	return time.Duration(s.LockTimeoutMS) * time.Millisecond
}

// OpenStore opens the session's store, creating the root directory if
// needed.
func (r *Root) OpenStore() (store.Store, error) {
	kind, err := store.ParseKind(r.Session.Backend)
	if err != nil {
		return nil, err
	}
	location := r.Session.Root
	if kind != store.Memory {
		if err := os.MkdirAll(r.Session.Root, 0o755); err != nil {
			return nil, fmt.Errorf("config: session root: %w", err)
		}
	}
	if kind == store.SQLite {
		location = filepath.Join(r.Session.Root, SQLiteFile)
	}
	return store.Open(kind, location, store.WithLockTimeout(r.Session.LockTimeout()))
}

// Pacer returns the pacer named name.
func (r *Root) Pacer(name string) (Pacer, bool) {
	for _, p := range r.Pacers {
		if p.Name == name {
			return p, true
		}
	}
	return Pacer{}, false
}

// Rate converts the frequency into a pacer.Rate.
func (p Pacer) Rate() (pacer.Rate, error) {
	unit, err := pacer.ParseUnit(p.Frequency.Per)
	if err != nil {
		return pacer.Rate{}, fmt.Errorf("config: pacer %s: %w", p.Name, err)
	}
	r, err := pacer.Per(p.Frequency.Calls, unit)
	if err != nil {
		return pacer.Rate{}, fmt.Errorf("config: pacer %s: %w", p.Name, err)
	}
	return r, nil
}

// Options converts the settings into pacer options. Settings left at zero
// keep the pacer defaults.
func (p Pacer) Options() []pacer.Option {
	var opts []pacer.Option
	if p.MaxDrift != 0 {
		opts = append(opts, pacer.WithMaxDrift(p.MaxDrift))
	}
	if p.CheckEvery != 0 {
		opts = append(opts, pacer.WithCheckEvery(p.CheckEvery))
	}
	if p.WarmupMS != nil {
		opts = append(opts, pacer.WithWarmup(time.Duration(*p.WarmupMS)*time.Millisecond))
	}
	if p.MaxCalls != 0 {
		opts = append(opts, pacer.WithMaxCalls(p.MaxCalls))
	}
	if p.BurstCapacity != 0 {
		opts = append(opts, pacer.WithBurstCapacity(p.BurstCapacity))
	}
	if len(p.RateWindowsS) > 0 {
		windows := make([]time.Duration, len(p.RateWindowsS))
		for i, s := range p.RateWindowsS {
			windows[i] = time.Duration(s) * time.Second
		}
		opts = append(opts, pacer.WithRateWindows(windows...))
	}
	return opts
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML and fills defaults. Pacer settings are validated
// later, when the pacer is built.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Session.Root == "" {
		cfg.Session.Root = filepath.Join(os.TempDir(), "pacer")
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = store.File.String()
	}
	if _, err := store.ParseKind(cfg.Session.Backend); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Session.LockTimeoutMS == 0 {
		cfg.Session.LockTimeoutMS = int(store.DefaultLockTimeout / time.Millisecond)
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}

	seen := make(map[string]bool, len(cfg.Pacers))
	for i := range cfg.Pacers {
		p := &cfg.Pacers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("config: pacer %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("config: duplicate pacer %q", p.Name)
		}
		seen[p.Name] = true
		if p.Frequency.Per == "" {
			p.Frequency.Per = pacer.Hour.String()
		}
	}
	return &cfg, nil
}
