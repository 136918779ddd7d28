package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	r, err := Config{}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Addr != ":8080" || r.MaxConcurrentRequests != 10 || r.TaskRequestCap != 8 {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.ExecTimeout != 30*time.Second || r.DispatchBackoff != 100*time.Millisecond || r.LaunchDelay != 50*time.Millisecond {
		t.Fatalf("unexpected duration defaults: %+v", r)
	}
	if r.StatsSchedule != "@every 5s" || r.StatsWindow != 5*time.Minute {
		t.Fatalf("unexpected stats defaults: %+v", r)
	}
	if !r.LogConsole {
		t.Fatalf("console logging should default on")
	}
}

func TestParseYAML(t *testing.T) {
	src := `
server:
  addr: ":9090"
log:
  level: debug
  console: false
scheduler:
  max_concurrent_requests: 20
  task_request_cap: 5
  latency_threshold: 300ms
stats:
  schedule: "@every 10s"
  window: 1m
`
	r, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Addr != ":9090" || r.MaxConcurrentRequests != 20 || r.TaskRequestCap != 5 {
		t.Fatalf("unexpected: %+v", r)
	}
	if r.LatencyThreshold != 300*time.Millisecond || r.StatsWindow != time.Minute {
		t.Fatalf("durations: %+v", r)
	}
	if r.LogConsole {
		t.Fatalf("console should be disabled")
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"max too small", "scheduler:\n  max_concurrent_requests: 1\n", "max_concurrent_requests"},
		{"cap too large", "scheduler:\n  max_concurrent_requests: 4\n  task_request_cap: 4\n", "task_request_cap"},
		{"bad duration", "scheduler:\n  exec_timeout: soon\n", "exec_timeout"},
		{"negative duration", "stats:\n  window: -1s\n", "stats.window"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"GATEWAY_ADDR":                    ":7000",
		"GATEWAY_MAX_CONCURRENT_REQUESTS": "6",
		"GATEWAY_LATENCY_THRESHOLD":       "2s",
		"GATEWAY_DISPATCH_BACKOFF":        "250ms",
		"GATEWAY_LAUNCH_DELAY":            "20ms",
		"GATEWAY_RATE_LIMIT_BURST":        "7",
		"GATEWAY_LOG_CONSOLE":             "false",
	}
	var c Config
	c.Server.Addr = ":1"
	if err := applyEnv(&c, func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	r, err := c.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Addr != ":7000" || r.MaxConcurrentRequests != 6 || r.TaskRequestCap != 4 || r.LatencyThreshold != 2*time.Second {
		t.Fatalf("unexpected: %+v", r)
	}
	if r.DispatchBackoff != 250*time.Millisecond || r.LaunchDelay != 20*time.Millisecond || r.Burst != 7 || r.LogConsole {
		t.Fatalf("scheduler/ratelimit/log overrides not applied: %+v", r)
	}

	bad := func(k string) (string, bool) {
		if k == "GATEWAY_TASK_REQUEST_CAP" {
			return "many", true
		}
		return "", false
	}
	if err := applyEnv(&Config{}, bad); err == nil {
		t.Fatalf("expected error for non-numeric env value")
	}
	badBool := func(k string) (string, bool) {
		if k == "GATEWAY_LOG_CONSOLE" {
			return "sometimes", true
		}
		return "", false
	}
	if err := applyEnv(&Config{}, badBool); err == nil {
		t.Fatalf("expected error for non-boolean env value")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("database:\n  path: /tmp/x.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEWAY_DB_PATH", "")
	os.Unsetenv("GATEWAY_DB_PATH")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.DatabasePath != "/tmp/x.db" {
		t.Fatalf("db path = %q", r.DatabasePath)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
