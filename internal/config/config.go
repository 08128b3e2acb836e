package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses YAML values like "2s" or "1m30s". Bare integers are
// taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Download struct {
		Dir          string `yaml:"dir"`
		MinFreeBytes int64  `yaml:"min_free_bytes"`
	} `yaml:"download"`

	Pools struct {
		HTTPFTP    int `yaml:"http_ftp"`
		BitTorrent int `yaml:"bittorrent"`
	} `yaml:"pools"`

	Poll struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"poll"`

	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   Duration `yaml:"base_delay"`
		MaxDelay    Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	Checkpoint struct {
		Path     string   `yaml:"path"`
		Interval Duration `yaml:"interval"`
	} `yaml:"checkpoint"`

	Retention Duration `yaml:"retention"`

	Aria2 struct {
		Endpoint string `yaml:"endpoint"`
		Secret   string `yaml:"secret"`
	} `yaml:"aria2"`

	QBittorrent struct {
		Endpoint string   `yaml:"endpoint"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		Trackers []string `yaml:"trackers"`
	} `yaml:"qbittorrent"`

	GeoIP struct {
		DatabasePath  string  `yaml:"database_path"`
		HomeLatitude  float64 `yaml:"home_latitude"`
		HomeLongitude float64 `yaml:"home_longitude"`
	} `yaml:"geoip"`

	FFmpeg struct {
		Path string `yaml:"path"`
	} `yaml:"ffmpeg"`
}

// LoadConfig reads a YAML config file. A missing file yields the default
// configuration so the service can start with only the engine endpoints
// left at their conventional local addresses.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Download.Dir == "" {
		c.Download.Dir = "downloads"
	}
	if c.Download.MinFreeBytes == 0 {
		c.Download.MinFreeBytes = 512 * 1024 * 1024
	}
	if c.Pools.HTTPFTP == 0 {
		c.Pools.HTTPFTP = 3
	}
	if c.Pools.BitTorrent == 0 {
		c.Pools.BitTorrent = 5
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(2 * time.Second)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(time.Minute)
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "state/checkpoint.json"
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = Duration(10 * time.Second)
	}
	if c.Retention == 0 {
		c.Retention = Duration(time.Hour)
	}
	if c.Aria2.Endpoint == "" {
		c.Aria2.Endpoint = "http://127.0.0.1:6800/jsonrpc"
	}
	if c.QBittorrent.Endpoint == "" {
		c.QBittorrent.Endpoint = "http://127.0.0.1:8081"
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = "ffmpeg"
	}
}
