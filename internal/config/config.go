package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no --config is given.
const DefaultFile = "voxprov.yaml"

// Config is the full voxprov configuration. Precedence, lowest first:
// defaults, config file, VOXPROV_* environment, command-line flags.
type Config struct {
	// Recipe is an HCL recipe path; empty selects the built-in recipe.
	Recipe    string            `yaml:"recipe"`
	Context   string            `yaml:"context"`
	StateDir  string            `yaml:"state_dir"`
	Isolation string            `yaml:"isolation"`
	Driver    string            `yaml:"driver"`
	Vars      map[string]string `yaml:"vars"`

	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Launch    LaunchConfig    `yaml:"launch"`
	Preflight PreflightConfig `yaml:"preflight"`
	Docker    DockerConfig    `yaml:"docker"`
}

type CacheConfig struct {
	// Backend is file, redis, minio or none.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
	Minio   MinioConfig `yaml:"minio"`
}

type RedisConfig struct {
	Addr   string        `yaml:"addr"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LaunchConfig struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	HealthPath   string        `yaml:"health_path"`
	StatusAddr   string        `yaml:"status_addr"`
	NoReload     bool          `yaml:"no_reload"`
}

type PreflightConfig struct {
	FreePort   bool        `yaml:"free_port"`
	Companions []Companion `yaml:"companions"`
}

// Companion is a service the backend talks to at runtime. Preflight only
// warns when one is unreachable.
type Companion struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type DockerConfig struct {
	Binary string `yaml:"binary"`
	Tag    string `yaml:"tag"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Context:   ".",
		StateDir:  ".voxprov",
		Isolation: "none",
		Driver:    "local",
		Cache: CacheConfig{
			Backend: "file",
			Redis:   RedisConfig{Addr: "localhost:6379"},
			Minio:   MinioConfig{Endpoint: "localhost:9000", Bucket: "voxprov-layers"},
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Launch: LaunchConfig{
			ReadyTimeout: 60 * time.Second,
			StopTimeout:  10 * time.Second,
			HealthPath:   "/health",
		},
		Preflight: PreflightConfig{
			Companions: []Companion{{Name: "rasa", URL: "http://localhost:5005"}},
		},
		Docker: DockerConfig{Binary: "docker", Tag: "voice-backend:dev"},
	}
}

// Load returns defaults overlaid with the YAML file at path. An empty path
// tries DefaultFile and tolerates its absence; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv loads the first .env file found among the usual locations.
// Variables already set in the environment win.
func LoadEnv() (string, error) {
	for _, p := range []string{".env", ".env.local", "../.env"} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				return "", fmt.Errorf("error loading %s file: %w", p, err)
			}
			return p, nil
		}
	}
	return "", nil
}

// ApplyEnv overlays VOXPROV_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("VOXPROV_RECIPE", &c.Recipe)
	str("VOXPROV_CONTEXT", &c.Context)
	str("VOXPROV_STATE_DIR", &c.StateDir)
	str("VOXPROV_ISOLATION", &c.Isolation)
	str("VOXPROV_DRIVER", &c.Driver)
	str("VOXPROV_CACHE", &c.Cache.Backend)
	str("VOXPROV_CACHE_DIR", &c.Cache.Dir)
	str("VOXPROV_REDIS_ADDR", &c.Cache.Redis.Addr)
	dur("VOXPROV_REDIS_TTL", &c.Cache.Redis.TTL)
	str("VOXPROV_MINIO_ENDPOINT", &c.Cache.Minio.Endpoint)
	str("VOXPROV_MINIO_ACCESS_KEY", &c.Cache.Minio.AccessKey)
	str("VOXPROV_MINIO_SECRET_KEY", &c.Cache.Minio.SecretKey)
	str("VOXPROV_MINIO_BUCKET", &c.Cache.Minio.Bucket)
	boolean("VOXPROV_MINIO_USE_SSL", &c.Cache.Minio.UseSSL)
	str("VOXPROV_LOG_LEVEL", &c.Log.Level)
	str("VOXPROV_LOG_FORMAT", &c.Log.Format)
	dur("VOXPROV_READY_TIMEOUT", &c.Launch.ReadyTimeout)
	str("VOXPROV_STATUS_ADDR", &c.Launch.StatusAddr)
	boolean("VOXPROV_NO_RELOAD", &c.Launch.NoReload)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Context) == "" {
		errs = append(errs, errors.New("context is required"))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	switch c.Isolation {
	case "none", "chroot":
	default:
		errs = append(errs, fmt.Errorf("isolation %q must be none or chroot", c.Isolation))
	}
	switch c.Driver {
	case "local", "docker":
	default:
		errs = append(errs, fmt.Errorf("driver %q must be local or docker", c.Driver))
	}
	switch c.Cache.Backend {
	case "file", "none":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
		if c.Cache.Redis.TTL < 0 {
			errs = append(errs, errors.New("cache.redis.ttl must not be negative"))
		}
	case "minio":
		if c.Cache.Minio.Endpoint == "" || c.Cache.Minio.Bucket == "" {
			errs = append(errs, errors.New("cache.minio.endpoint and cache.minio.bucket are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache backend %q must be file, redis, minio or none", c.Cache.Backend))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be console or json", c.Log.Format))
	}
	if c.Launch.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("launch.ready_timeout must be positive"))
	}
	if c.Launch.HealthPath != "" && !strings.HasPrefix(c.Launch.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("launch.health_path %q must start with /", c.Launch.HealthPath))
	}
	for i, comp := range c.Preflight.Companions {
		if comp.Name == "" || comp.URL == "" {
			errs = append(errs, fmt.Errorf("preflight.companions[%d] needs name and url", i))
		}
	}
	return errors.Join(errs...)
}

// CacheDir returns the file cache directory, defaulting inside the state dir.
func (c Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.StateDir, "cache")
}
