package config

import (
	"fmt"
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Port          int    `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
		DataDir       string `env:"DATA_DIR" envDefault:"/data" validate:"required"`
		LogLevel      string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		AllowedOrigin string `env:"ALLOWED_ORIGIN"`
		PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080" validate:"url"`
		TileSize      int    `env:"TILE_SIZE" envDefault:"256" validate:"min=16,max=4096"`

		Cache     Cache     `envPrefix:"CACHE_"`
		Warmup    Warmup    `envPrefix:"WARMUP_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	Cache struct {
		Type       string `env:"TYPE" envDefault:"memory" validate:"oneof=memory disabled"`
		MaxEntries int    `env:"MAX_ENTRIES" envDefault:"20000" validate:"min=0"`
	}

	Warmup struct {
		Levels  int `env:"LEVELS" envDefault:"1" validate:"min=0,max=30"`
		Workers int `env:"WORKERS" envDefault:"1"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256" validate:"min=0"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1" validate:"min=0"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"gigatiles"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
		Environment    string `env:"ENVIRONMENT" envDefault:"development"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	return Parse()
}

// Parse reads the configuration from the environment alone.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
