package app

import (
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Bootstrap is the environment-level configuration resolved before the
// config file is read: where the file lives and how loud to boot. In
// containers the variables are injected directly; for local development a
// .env file is honored when present.
type Bootstrap struct {
	ConfigPath string `env:"AUTOGRAM_CONFIG" envDefault:"config.yaml"`
	LogLevel   string `env:"AUTOGRAM_LOG_LEVEL" envDefault:"info"`
}

// LoadBootstrap reads .env (best-effort) and then the environment.
func LoadBootstrap() (Bootstrap, error) {
	_ = godotenv.Load()
	var b Bootstrap
	if err := env.Parse(&b); err != nil {
		return Bootstrap{}, fmt.Errorf("parse environment: %w", err)
	}
	return b, nil
}
