package translator

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/arcross/internal/log"
)

// Config tunes the translator. Arena capacities are deliberately
// configuration rather than constants: the 1 MiB defaults suit small guest
// programs, real workloads size them per binary.
type Config struct {
	CacheDir         string        `yaml:"cache_dir"`
	DefsDir          string        `yaml:"defs_dir"`
	GuestArenaBytes  int           `yaml:"guest_arena_bytes"`
	HostArenaBytes   int           `yaml:"host_arena_bytes"`
	MaxL1Entries     int           `yaml:"max_l1_entries"`
	MaxCacheBytes    int64         `yaml:"max_cache_bytes"`
	CheckpointEvery  uint64        `yaml:"checkpoint_every"`
	MaintenanceEvery time.Duration `yaml:"maintenance_every"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		CacheDir:         "./cache",
		DefsDir:          ".",
		GuestArenaBytes:  1 << 20, // 1 MiB
		HostArenaBytes:   1 << 20, // 1 MiB
		MaxL1Entries:     1024,
		MaxCacheBytes:    1 << 30, // 1 GiB
		CheckpointEvery:  100,
		MaintenanceEvery: time.Hour,
	}
}

// LoadConfig reads a YAML config file over the defaults. Config problems
// are never fatal: a missing file yields defaults silently, an unreadable
// or malformed one logs and yields defaults.
func LoadConfig(path string, logger *log.Logger) Config {
	if logger == nil {
		logger = log.NewNop()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read config, using defaults", log.Path(path), log.Err(err))
		}
		return cfg
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logger.Warn("malformed config, using defaults", log.Path(path), log.Err(err))
		return DefaultConfig()
	}

	cfg.normalize()
	return cfg
}

// normalize clamps nonsense values back to the defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.DefsDir == "" {
		c.DefsDir = def.DefsDir
	}
	if c.GuestArenaBytes <= 0 {
		c.GuestArenaBytes = def.GuestArenaBytes
	}
	if c.HostArenaBytes <= 0 {
		c.HostArenaBytes = def.HostArenaBytes
	}
	if c.MaxL1Entries <= 0 {
		c.MaxL1Entries = def.MaxL1Entries
	}
	if c.MaxCacheBytes <= 0 {
		c.MaxCacheBytes = def.MaxCacheBytes
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = def.CheckpointEvery
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = def.MaintenanceEvery
	}
}
