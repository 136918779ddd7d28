package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the on-disk gateway configuration. Durations are Go duration strings ("30s").
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stats     StatsConfig     `yaml:"stats"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console"`
	File    string `yaml:"file"`
}

type SchedulerConfig struct {
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	TaskRequestCap        int    `yaml:"task_request_cap"`
	LatencyThreshold      string `yaml:"latency_threshold"`
	ExecTimeout           string `yaml:"exec_timeout"`
	DispatchBackoff       string `yaml:"dispatch_backoff"`
	LaunchDelay           string `yaml:"launch_delay"`
}

type StatsConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 5s".
	Schedule string `yaml:"schedule"`
	Window   string `yaml:"window"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Resolved is Config with defaults applied and durations parsed.
type Resolved struct {
	Addr         string
	DatabasePath string

	LogLevel   string
	LogConsole bool
	LogFile    string

	MaxConcurrentRequests int
	TaskRequestCap        int
	LatencyThreshold      time.Duration
	ExecTimeout           time.Duration
	DispatchBackoff       time.Duration
	LaunchDelay           time.Duration

	StatsSchedule string
	StatsWindow   time.Duration

	RequestsPerMinute int
	Burst             int
}

const envPrefix = "GATEWAY_"

// Load reads path (if non-empty), applies GATEWAY_* env overrides, then resolves defaults.
func Load(path string) (Resolved, error) {
	var c Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Resolved{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Resolved{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return Resolved{}, err
	}
	return c.Resolve()
}

// Parse decodes YAML bytes without touching the environment.
func Parse(b []byte) (Resolved, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Resolved{}, fmt.Errorf("config: parse: %w", err)
	}
	return c.Resolve()
}

func (c Config) Resolve() (Resolved, error) {
	r := Resolved{
		Addr:                  orDefault(c.Server.Addr, ":8080"),
		DatabasePath:          orDefault(c.Database.Path, "./gateway.db"),
		LogLevel:              orDefault(c.Log.Level, "info"),
		LogConsole:            c.Log.Console == nil || *c.Log.Console,
		LogFile:               strings.TrimSpace(c.Log.File),
		MaxConcurrentRequests: c.Scheduler.MaxConcurrentRequests,
		TaskRequestCap:        c.Scheduler.TaskRequestCap,
		StatsSchedule:         orDefault(c.Stats.Schedule, "@every 5s"),
		RequestsPerMinute:     c.RateLimit.RequestsPerMinute,
		Burst:                 c.RateLimit.Burst,
	}
	if r.MaxConcurrentRequests == 0 {
		r.MaxConcurrentRequests = 10
	}
	if r.MaxConcurrentRequests <= 1 {
		return Resolved{}, fmt.Errorf("scheduler.max_concurrent_requests: must be > 1, got %d", r.MaxConcurrentRequests)
	}
	if r.TaskRequestCap == 0 {
		r.TaskRequestCap = r.MaxConcurrentRequests - 2
	}
	if r.TaskRequestCap < 1 || r.TaskRequestCap > r.MaxConcurrentRequests-1 {
		return Resolved{}, fmt.Errorf("scheduler.task_request_cap: must be within [1, %d], got %d",
			r.MaxConcurrentRequests-1, r.TaskRequestCap)
	}
	if r.RequestsPerMinute <= 0 {
		r.RequestsPerMinute = 60
	}
	if r.Burst <= 0 {
		r.Burst = r.RequestsPerMinute
	}

	var errs []error
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"scheduler.latency_threshold", c.Scheduler.LatencyThreshold, 5 * time.Second, &r.LatencyThreshold},
		{"scheduler.exec_timeout", c.Scheduler.ExecTimeout, 30 * time.Second, &r.ExecTimeout},
		{"scheduler.dispatch_backoff", c.Scheduler.DispatchBackoff, 100 * time.Millisecond, &r.DispatchBackoff},
		{"scheduler.launch_delay", c.Scheduler.LaunchDelay, 50 * time.Millisecond, &r.LaunchDelay},
		{"stats.window", c.Stats.Window, 5 * time.Minute, &r.StatsWindow},
	}
	for _, d := range durations {
		v, err := ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}
	if err := errors.Join(errs...); err != nil {
		return Resolved{}, err
	}
	return r, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	flag := func(key string, dst **bool) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
		}
		*dst = &b
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("DB_PATH", &c.Database.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("LATENCY_THRESHOLD", &c.Scheduler.LatencyThreshold)
	str("EXEC_TIMEOUT", &c.Scheduler.ExecTimeout)
	str("DISPATCH_BACKOFF", &c.Scheduler.DispatchBackoff)
	str("LAUNCH_DELAY", &c.Scheduler.LaunchDelay)
	str("STATS_SCHEDULE", &c.Stats.Schedule)
	str("STATS_WINDOW", &c.Stats.Window)
	return errors.Join(
		num("MAX_CONCURRENT_REQUESTS", &c.Scheduler.MaxConcurrentRequests),
		num("TASK_REQUEST_CAP", &c.Scheduler.TaskRequestCap),
		num("RATE_LIMIT_PER_MINUTE", &c.RateLimit.RequestsPerMinute),
		num("RATE_LIMIT_BURST", &c.RateLimit.Burst),
		flag("LOG_CONSOLE", &c.Log.Console),
	)
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
