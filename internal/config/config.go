// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the process needs to run, with local-development
// defaults so `go run ./cmd` works against a backend on :8080.
type Config struct {
	Addr          string        `env:"ADDR" envDefault:":3000"`
	APIBaseURL    string        `env:"API_BASE_URL" envDefault:"http://localhost:8080/api"`
	APITimeout    time.Duration `env:"API_TIMEOUT" envDefault:"10s"`
	SessionCookie string        `env:"SESSION_COOKIE" envDefault:"itike_sid"`

	DB Database `envPrefix:"DB_"`
}

// Database holds PostgreSQL connection settings for the token store.
type Database struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME" envDefault:"itike"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// DSN builds a libpq-compatible connection string.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
