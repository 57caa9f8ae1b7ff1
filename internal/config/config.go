// Package config loads settings from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultDatabaseURL is used when neither a flag nor POSTGRES_* variables are set.
const DefaultDatabaseURL = "postgres://localhost:5432/straightface"

// Load reads the given .env files (".env" when none) into the environment. Variables that
// are already set win, and missing files are ignored.
func Load(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// String returns the variable or def when unset.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Duration parses the variable ("500ms", "3s") or returns def when unset.
func Duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Int parses the variable or returns def when unset.
func Int(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// DatabaseURL builds the connection string from POSTGRES_* variables, falling back to a
// local default if no host is set.
func DatabaseURL() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return DefaultDatabaseURL
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := String("POSTGRES_DB", "straightface")
	port := String("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
