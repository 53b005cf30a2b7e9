package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "BITRIVER_VOD_"

func env(name string) string {
	return os.Getenv(envPrefix + name)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(envKey); raw != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if raw, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return false
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if strings.TrimSpace(postgresDSN) != "" {
			return "postgres", nil
		}
		return "memory", nil
	}
	switch driver {
	case "memory":
		return driver, nil
	case "postgres":
		if strings.TrimSpace(postgresDSN) == "" {
			return "", errors.New("postgres storage selected without DSN: set --postgres-dsn, BITRIVER_VOD_POSTGRES_DSN or DATABASE_URL")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unknown storage driver %q (want memory or postgres)", driver)
	}
}

func resolveProgressDriver(flagValue, envValue, mongoURI string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if strings.TrimSpace(mongoURI) != "" {
			return "mongo", nil
		}
		return "catalog", nil
	}
	switch driver {
	case "catalog":
		return driver, nil
	case "mongo":
		if strings.TrimSpace(mongoURI) == "" {
			return "", errors.New("mongo progress store selected without a URI")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unknown progress driver %q (want catalog or mongo)", driver)
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func resolveBaseURL(flagValue, envValue string) (string, error) {
	raw := firstNonEmpty(flagValue, envValue)
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse public base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("public base url must include scheme and host")
	}
	return strings.TrimRight(raw, "/"), nil
}

func resolveMediaRoot(flagValue, envValue string) (string, error) {
	root := firstNonEmpty(flagValue, envValue, "data/media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create media root: %w", err)
	}
	return root, nil
}

// redactURL hides credentials embedded in DSNs and URIs before they are logged.
func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "<redacted>"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
	}
	query := parsed.Query()
	for key := range query {
		if strings.EqualFold(key, "password") {
			query.Set(key, "*****")
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
