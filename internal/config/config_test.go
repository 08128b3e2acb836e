package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Pools.HTTPFTP != 3 || cfg.Pools.BitTorrent != 5 {
		t.Errorf("pool defaults = %d/%d", cfg.Pools.HTTPFTP, cfg.Pools.BitTorrent)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Poll.Interval.Std() != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Poll.Interval.Std())
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	content := `
server:
  port: 9090
download:
  dir: /tmp/dls
pools:
  http_ftp: 2
  bittorrent: 7
poll:
  interval: 500ms
retry:
  max_attempts: 5
  base_delay: 2s
  max_delay: 30s
retention: 2h
aria2:
  endpoint: http://aria2:6800/jsonrpc
  secret: hunter2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Download.Dir != "/tmp/dls" {
		t.Errorf("dir = %q", cfg.Download.Dir)
	}
	if cfg.Pools.BitTorrent != 7 {
		t.Errorf("bittorrent pool = %d, want 7", cfg.Pools.BitTorrent)
	}
	if cfg.Poll.Interval.Std() != 500*time.Millisecond {
		t.Errorf("poll interval = %v, want 500ms", cfg.Poll.Interval.Std())
	}
	if cfg.Retry.BaseDelay.Std() != 2*time.Second {
		t.Errorf("base delay = %v, want 2s", cfg.Retry.BaseDelay.Std())
	}
	if cfg.Retention.Std() != 2*time.Hour {
		t.Errorf("retention = %v, want 2h", cfg.Retention.Std())
	}
	if cfg.Aria2.Secret != "hunter2" {
		t.Errorf("aria2 secret = %q", cfg.Aria2.Secret)
	}
	// untouched sections keep defaults
	if cfg.QBittorrent.Endpoint != "http://127.0.0.1:8081" {
		t.Errorf("qbittorrent endpoint = %q", cfg.QBittorrent.Endpoint)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	content := "poll:\n  interval: 3\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Poll.Interval.Std() != 3*time.Second {
		t.Errorf("interval = %v, want 3s", cfg.Poll.Interval.Std())
	}
}
