package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvJWTSecret       = "NOTIFYHUB_JWT_SECRET"
	EnvStorageDSN      = "NOTIFYHUB_STORAGE_DSN"
	EnvRedisPassword   = "NOTIFYHUB_REDIS_PASSWORD"
	EnvVAPIDPrivateKey = "NOTIFYHUB_VAPID_PRIVATE_KEY"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays secrets from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := getenv(EnvRedisPassword); v != "" && cfg.Lock != nil {
		cfg.Lock.Password = v
	}
	if v := strings.TrimSpace(getenv(EnvVAPIDPrivateKey)); v != "" && cfg.Gateways.WebPush != nil {
		cfg.Gateways.WebPush.VAPIDPrivateKey = v
	}
}
