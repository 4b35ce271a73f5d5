package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	_ "github.com/joho/godotenv/autoload"
)

type Reader interface {
	Read() (*Config, error)
}

type EnvReader struct{}

func NewEnvReader() EnvReader {
	return EnvReader{}
}

func (EnvReader) Read() (*Config, error) {
	cfg := new(Config)
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDev, EnvProd, EnvLocal:
	default:
		return fmt.Errorf("unknown env: %s", c.Env)
	}
	switch c.Backend {
	case BackendSQLite, BackendPostgres, BackendRemote:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if c.Claims.MaxActive <= 0 {
		return fmt.Errorf("max active claims must be positive, got %d", c.Claims.MaxActive)
	}
	if c.Catalog.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.Catalog.PageSize)
	}
	return nil
}
