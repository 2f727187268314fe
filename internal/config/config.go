// Package config loads process configuration from the environment.
package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Prefix is prepended to every environment variable name.
const Prefix = "BUILDCACHE_"

type Config struct {
	Dir          string        `env:"DIR" envDefault:".buildcache" validate:"required"`
	StoreBackend string        `env:"STORE_BACKEND" envDefault:"bolt" validate:"oneof=bolt sqlite"`
	Compression  string        `env:"COMPRESSION" envDefault:"gzip" validate:"oneof=gzip zstd"`
	LockTimeout  time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	Remote       Remote        `envPrefix:"REMOTE_"`
}

// Remote configures the S3 cache service.
type Remote struct {
	Enabled   bool   `env:"ENABLED"`
	Endpoint  string `env:"ENDPOINT" validate:"required_if=Enabled true"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Region    string `env:"REGION"`
	Bucket    string `env:"BUCKET" validate:"required_if=Enabled true"`
	Prefix    string `env:"PREFIX"`
	Secure    bool   `env:"SECURE" envDefault:"true"`
	Push      bool   `env:"PUSH"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return parse(ctx, env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from environ, a map of unprefixed names.
func LoadFrom(ctx context.Context, environ map[string]string) (*Config, error) {
	prefixed := make(map[string]string, len(environ))
	for k, v := range environ {
		prefixed[Prefix+k] = v
	}
	return parse(ctx, env.Options{Prefix: Prefix, Environment: prefixed})
}

func parse(ctx context.Context, opts env.Options) (*Config, error) {
	var conf Config
	if err := env.ParseWithOptions(&conf, opts); err != nil {
		return nil, errors.Wrap(err, "could not parse environment variables")
	}
	validate := validator.New()
	if err := validate.StructCtx(ctx, &conf); err != nil {
		return nil, errors.Wrap(err, "could not validate config")
	}
	return &conf, nil
}
