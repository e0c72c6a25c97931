package database

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/united-manufacturing-hub/umh-utils/env"
)

// Config holds database connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	// SchemaCacheSize bounds the number of class schemas kept in memory.
	SchemaCacheSize int
}

// LoadConfigFromEnv loads database configuration from environment variables.
// A .env file in the working directory is read first when present.
func LoadConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	host, _ := env.GetAsString("POSTGRES_HOST", false, "localhost")
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return Config{}, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil || database == "" {
		return Config{}, fmt.Errorf("POSTGRES_DATABASE environment variable is required")
	}
	user, _ := env.GetAsString("POSTGRES_USER", false, "postgres")
	password, _ := env.GetAsString("POSTGRES_PASSWORD", false, "")
	sslMode, _ := env.GetAsString("POSTGRES_SSL_MODE", false, "disable")
	maxOpen, err := env.GetAsInt("POSTGRES_MAX_OPEN_CONNS", false, 10)
	if err != nil {
		return Config{}, fmt.Errorf("invalid POSTGRES_MAX_OPEN_CONNS: %w", err)
	}
	cacheSize, err := env.GetAsInt("SCHEMA_CACHE_SIZE", false, 256)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SCHEMA_CACHE_SIZE: %w", err)
	}

	return Config{
		Host:            host,
		Port:            port,
		Database:        database,
		User:            user,
		Password:        password,
		SSLMode:         sslMode,
		MaxOpenConns:    maxOpen,
		SchemaCacheSize: cacheSize,
	}, nil
}

// DSN renders the key/value connection string understood by lib/pq.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	pairs := []string{
		"host=" + dsnValue(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + dsnValue(c.User),
		"dbname=" + dsnValue(c.Database),
		"sslmode=" + dsnValue(sslMode),
	}
	if c.Password != "" {
		pairs = append(pairs, "password="+dsnValue(c.Password))
	}
	return strings.Join(pairs, " ")
}

func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
