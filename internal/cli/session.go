package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voxprov/internal/cachestore"
	"voxprov/internal/config"
	"voxprov/internal/core"
	"voxprov/internal/logging"
	"voxprov/internal/metrics"
	"voxprov/internal/recipe"
	"voxprov/internal/state"
)

// Version is stamped at build time.
var Version = "dev"

// ImageFile is the image config written by a successful build, relative to
// the state dir.
const ImageFile = "image.json"

// Session carries the resolved configuration and ambient services for one
// command invocation.
type Session struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Stdout   io.Writer
	Stderr   io.Writer
}

// NewSession loads .env, resolves the configuration and builds the logger.
func NewSession(o Options, stdout, stderr io.Writer) (*Session, error) {
	envFile, err := config.LoadEnv()
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	cfg, err := o.Resolve(os.Getenv)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	if envFile != "" {
		logger.Debug("loaded environment file", zap.String("path", envFile))
	}
	return NewSessionFromConfig(cfg, logger, stdout, stderr), nil
}

// NewSessionFromConfig builds a session around an already resolved config.
func NewSessionFromConfig(cfg config.Config, logger *zap.Logger, stdout, stderr io.Writer) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	metrics.SetBuildInfo(Version)
	return &Session{
		Config:   cfg,
		Logger:   logger,
		Registry: metrics.NewRegistry(),
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// ImagePath is where the last successful build's image config lives.
func (s *Session) ImagePath() string {
	return filepath.Join(s.Config.StateDir, ImageFile)
}

// LoadImage reads the image config of the last successful build.
func (s *Session) LoadImage() (core.ImageConfig, error) {
	img, err := core.LoadImageConfig(s.ImagePath())
	if err != nil {
		if os.IsNotExist(err) {
			return img, exitErrorf(ExitConfigError, "no built image in %s: run `voxprov build` first", s.Config.StateDir)
		}
		return img, &ExitError{Code: ExitConfigError, Err: err}
	}
	return img, nil
}

// LoadRecipe parses the configured recipe, or the built-in one, and
// validates it.
func (s *Session) LoadRecipe() (*recipe.Recipe, error) {
	var (
		r   *recipe.Recipe
		err error
	)
	if s.Config.Recipe == "" {
		r, err = recipe.Default(s.Config.Vars)
	} else {
		path := s.Config.Recipe
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.Config.Context, path)
		}
		r, err = recipe.Load(path, s.Config.Vars)
	}
	if err != nil {
		return nil, &state.RecipeFailureError{Code: "RecipeParse", Message: err.Error(), Cause: err}
	}
	if err := r.Validate(); err != nil {
		return nil, &state.RecipeFailureError{Code: "RecipeInvalid", Message: err.Error(), Cause: err}
	}
	return r, nil
}

// OpenCache opens the configured layer cache backend. The returned closer
// is never nil.
func (s *Session) OpenCache(ctx context.Context) (core.Cache, func() error, error) {
	noop := func() error { return nil }
	c := s.Config.Cache
	switch c.Backend {
	case "none":
		return core.NoCache{}, noop, nil
	case "file":
		dir := s.Config.CacheDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create cache dir: %w", err)
		}
		return cachestore.Instrument(core.NewFileCache(dir), "file", s.Logger), noop, nil
	case "redis":
		rc, err := cachestore.NewRedisCache(ctx, cachestore.RedisOptions{Addr: c.Redis.Addr, Prefix: c.Redis.Prefix, TTL: c.Redis.TTL})
		if err != nil {
			return nil, noop, err
		}
		return cachestore.Instrument(rc, "redis", s.Logger), rc.Close, nil
	case "minio":
		mc, err := cachestore.NewMinioCache(ctx, cachestore.MinioOptions{
			Endpoint:  c.Minio.Endpoint,
			AccessKey: c.Minio.AccessKey,
			SecretKey: c.Minio.SecretKey,
			Bucket:    c.Minio.Bucket,
			Prefix:    c.Minio.Prefix,
			UseSSL:    c.Minio.UseSSL,
		})
		if err != nil {
			return nil, noop, err
		}
		return cachestore.Instrument(mc, "minio", s.Logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache backend %q", c.Backend)
	}
}

// WriteMetrics writes the session registry in text format when path is set.
func (s *Session) WriteMetrics(path string) {
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path, s.Registry); err != nil {
		s.Logger.Warn("writing metrics file", zap.String("path", path), zap.Error(err))
	}
}
