// Package config loads hivenet.yaml. Every field has a default, so a
// missing file yields a usable configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"hivenet/pkg/model"

	"gopkg.in/yaml.v3"
)

const EnvEtcdEndpoints = "HIVENET_ETCD_ENDPOINTS"

type Config struct {
	Etcd      Etcd      `yaml:"etcd"`
	Redis     Redis     `yaml:"redis"`
	Bus       Bus       `yaml:"bus"`
	Scheduler Scheduler `yaml:"scheduler"`
	Costs     Costs     `yaml:"costs"`
	Worker    Worker    `yaml:"worker"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Log       Log       `yaml:"log"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Bus selects the messaging channel backend.
type Bus struct {
	Backend  string `yaml:"backend"` // etcd | redis
	Capacity int    `yaml:"capacity"`
}

type Scheduler struct {
	Strategy     string        `yaml:"strategy"` // batching | basic
	TickInterval time.Duration `yaml:"tick_interval"`
	BatchGap     time.Duration `yaml:"batch_gap"`  // between consecutive stage effects
	BaseDelay    time.Duration `yaml:"base_delay"` // from planning to the first dispatch
	Level        int           `yaml:"level"`      // privilege level of the pool owner

	ExtractShare         float64 `yaml:"extract_share"` // share of the resource a batch takes
	ReplenishPasses      int     `yaml:"replenish_passes"`
	MaxExtractUnits      int     `yaml:"max_extract_units"`
	PrepareMaxIterations int     `yaml:"prepare_max_iterations"`
	AllowPartial         *bool   `yaml:"allow_partial"`
}

func (s Scheduler) PartialAllowed() bool {
	return s.AllowPartial == nil || *s.AllowPartial
}

// Costs is the per-unit capacity of each operation's script, in GB.
type Costs struct {
	Extract   float64 `yaml:"extract"`
	Replenish float64 `yaml:"replenish"`
	Reduce    float64 `yaml:"reduce"`
}

func (c Costs) Table() map[model.Operation]model.Memory {
	return map[model.Operation]model.Memory{
		model.OpExtract:   model.GB(c.Extract),
		model.OpReplenish: model.GB(c.Replenish),
		model.OpReduce:    model.GB(c.Reduce),
	}
}

type Worker struct {
	ID                string            `yaml:"id"`
	TotalCapacity     float64           `yaml:"total_capacity"` // GB
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	LeaseTTL          int64             `yaml:"lease_ttl"`
	Images            map[string]string `yaml:"images"` // operation -> image
}

type Dispatch struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Log struct {
	Level       int  `yaml:"level"` // logr verbosity
	Development bool `yaml:"development"`
}

// Load reads path; a missing file is not an error.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if env := os.Getenv(EnvEtcdEndpoints); env != "" {
		c.Etcd.Endpoints = strings.Split(env, ",")
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if len(c.Etcd.Endpoints) == 0 {
		c.Etcd.Endpoints = []string{"localhost:2379"}
	}
	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Etcd.Prefix == "" {
		c.Etcd.Prefix = "/hivenet"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "hivenet"
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = "etcd"
	}
	if c.Bus.Capacity <= 0 {
		c.Bus.Capacity = 64
	}

	s := &c.Scheduler
	if s.Strategy == "" {
		s.Strategy = "batching"
	}
	if s.TickInterval <= 0 {
		s.TickInterval = 200 * time.Millisecond
	}
	if s.BatchGap <= 0 {
		s.BatchGap = 100 * time.Millisecond
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 100 * time.Millisecond
	}
	if s.ExtractShare <= 0 || s.ExtractShare > 1 {
		s.ExtractShare = 1
	}
	if s.ReplenishPasses <= 0 {
		s.ReplenishPasses = 30
	}
	if s.MaxExtractUnits <= 0 {
		s.MaxExtractUnits = 100000
	}
	if s.PrepareMaxIterations <= 0 {
		s.PrepareMaxIterations = 50
	}

	if c.Costs.Extract <= 0 {
		c.Costs.Extract = 1.7
	}
	if c.Costs.Replenish <= 0 {
		c.Costs.Replenish = 1.75
	}
	if c.Costs.Reduce <= 0 {
		c.Costs.Reduce = 1.75
	}

	if c.Worker.ID == "" {
		c.Worker.ID, _ = os.Hostname()
	}
	if c.Worker.TotalCapacity <= 0 {
		c.Worker.TotalCapacity = 8
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 3 * time.Second
	}
	if c.Worker.LeaseTTL <= 0 {
		c.Worker.LeaseTTL = 10
	}
	if c.Worker.Images == nil {
		c.Worker.Images = map[string]string{}
	}
	for _, op := range []model.Operation{model.OpExtract, model.OpReplenish, model.OpReduce} {
		if c.Worker.Images[string(op)] == "" {
			c.Worker.Images[string(op)] = "hivenet/" + string(op) + ":latest"
		}
	}

	if c.Dispatch.RatePerSecond <= 0 {
		c.Dispatch.RatePerSecond = 50
	}
	if c.Dispatch.Burst <= 0 {
		c.Dispatch.Burst = 8
	}
}

func (c *Config) validate() error {
	switch c.Bus.Backend {
	case "etcd", "redis":
	default:
		return fmt.Errorf("config: unknown bus backend %q", c.Bus.Backend)
	}
	switch c.Scheduler.Strategy {
	case "batching", "basic":
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Scheduler.Strategy)
	}
	return nil
}
