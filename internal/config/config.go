package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// BindAddr is the host:port the HTTP server listens on.
	BindAddr string `validate:"required,hostname_port"`

	// SurrealDB connection settings. Leaving SurrealURL empty selects the
	// in-memory persistence gateway, which is what the tests and the demo
	// server use.
	SurrealURL  string
	SurrealNS   string `validate:"required_with=SurrealURL"`
	SurrealDB   string `validate:"required_with=SurrealURL"`
	SurrealUser string
	SurrealPass string

	// ArchiveDir is where pairwise transcripts are written. Empty disables
	// the archiver.
	ArchiveDir string
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		BindAddr:    os.Getenv("PARLEY_ADDR"),
		SurrealURL:  os.Getenv("SURREAL_URL"),
		SurrealNS:   os.Getenv("SURREAL_NS"),
		SurrealDB:   os.Getenv("SURREAL_DB"),
		SurrealUser: os.Getenv("SURREAL_USER"),
		SurrealPass: os.Getenv("SURREAL_PASS"),
		ArchiveDir:  os.Getenv("PARLEY_ARCHIVE_DIR"),
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8080"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
