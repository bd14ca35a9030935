package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
proxy:
  proxies:
    - region: us
      host: 10.0.0.1
      port: 8080
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.RateLimit.DomainRPS != 0.5 || cfg.RateLimit.GlobalRPS != 10.0 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.SessionTimeout() != 30*time.Minute {
		t.Errorf("SessionTimeout() = %v, want 30m", cfg.SessionTimeout())
	}
	if cfg.ProxyTTL() != 5*time.Minute {
		t.Errorf("ProxyTTL() = %v, want 5m", cfg.ProxyTTL())
	}
	if cfg.BaseDelay() != 3*time.Second || cfg.MinDelay() != 500*time.Millisecond {
		t.Errorf("delay defaults = %v/%v", cfg.BaseDelay(), cfg.MinDelay())
	}
	if cfg.Dispatch.FailureThreshold != 3 {
		t.Errorf("failure threshold = %d, want 3", cfg.Dispatch.FailureThreshold)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("workers.count = %d, want 4", cfg.Workers.Count)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
rate_limit:
  domain_rps: 2.0
  global_rps: 50.0
proxy:
  max_failures: 3
  proxies:
    - region: us
      host: 10.0.0.1
      port: 8080
      kind: residential
      username: user
      password: secret
      country: US
      isp: Comcast
    - region: eu
      host: 10.0.0.2
      port: 8080
session:
  timeout_seconds: 600
  proxy_ttl_seconds: 120
dispatch:
  base_delay_ms: 1000
  delay_variance: 0.3
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.RateLimit.DomainRPS != 2.0 {
		t.Errorf("domain_rps = %v", cfg.RateLimit.DomainRPS)
	}
	if len(cfg.Proxy.Proxies) != 2 {
		t.Fatalf("proxies = %d, want 2", len(cfg.Proxy.Proxies))
	}
	p := cfg.Proxy.Proxies[0]
	if p.Region != "us" || p.Kind != "residential" || p.Username != "user" || p.ISP != "Comcast" {
		t.Errorf("proxy entry = %+v", p)
	}
	if cfg.SessionTimeout() != 10*time.Minute || cfg.ProxyTTL() != 2*time.Minute {
		t.Errorf("session durations = %v/%v", cfg.SessionTimeout(), cfg.ProxyTTL())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no proxies", `
rate_limit:
  domain_rps: 1.0
`},
		{"zero domain rps", `
rate_limit:
  domain_rps: 0
proxy:
  proxies:
    - {region: us, host: 10.0.0.1, port: 8080}
`},
		{"negative global rps", `
rate_limit:
  global_rps: -1
proxy:
  proxies:
    - {region: us, host: 10.0.0.1, port: 8080}
`},
		{"variance out of range", `
dispatch:
  delay_variance: 1.0
proxy:
  proxies:
    - {region: us, host: 10.0.0.1, port: 8080}
`},
		{"proxy missing host", `
proxy:
  proxies:
    - {region: us, port: 8080}
`},
		{"proxy port out of range", `
proxy:
  proxies:
    - {region: us, host: 10.0.0.1, port: 70000}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DISPATCH_SERVER_PORT", "7070")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
