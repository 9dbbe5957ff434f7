package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MERAKI_"

// PathEnvVar overrides the config file location.
const PathEnvVar = "MERAKI_CONFIG_PATH"

// DefaultPaths are searched, in order, when no path is given.
var DefaultPaths = []string{
	"meraki-report.yaml",
	"meraki-report.yml",
}

// Load builds the configuration from three layers:
//  1. Defaults
//  2. Config file: path, else MERAKI_CONFIG_PATH, else the first of
//     DefaultPaths that exists. An explicitly named file must exist.
//  3. MERAKI_* environment variables
//
// The result is validated; a missing API key yields client.ErrMissingAPIKey.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}

	if envPath := os.Getenv(PathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// envMappings maps lower-cased variable names without the MERAKI_ prefix to
// config paths. Unlisted variables are ignored.
var envMappings = map[string]string{
	"api_key":           "api_key",
	"base_url":          "base_url",
	"org_ids":           "org_ids",
	"days":              "days",
	"output":            "output",
	"include_inventory": "include_inventory",
	"metrics_file":      "metrics_file",
	"blacklist":         "blacklist",

	"requests_per_second": "client.requests_per_second",
	"burst":               "client.burst",
	"http_timeout":        "client.http_timeout",
	"breaker_failures":    "client.breaker_failures",
	"breaker_cooldown":    "client.breaker_cooldown",
	"listing_page_size":   "client.listing_page_size",
	"client_page_size":    "client.client_page_size",
	"org_concurrency":     "client.org_concurrency",

	"governor_initial_limit":      "governor.initial_limit",
	"governor_min_limit":          "governor.min_limit",
	"governor_max_limit":          "governor.max_limit",
	"governor_increase_threshold": "governor.increase_threshold",

	"attempt_timeout": "invoker.attempt_timeout",
	"max_retries":     "invoker.max_retries",
	"jitter_min":      "invoker.jitter_min",
	"jitter_max":      "invoker.jitter_max",
	"backoff_step":    "invoker.backoff_step",

	"standard_timeout":    "fetch.standard_timeout",
	"chunk_retries":       "fetch.chunk_retries",
	"initial_chunk_hours": "fetch.initial_chunk_hours",
	"min_chunk_hours":     "fetch.min_chunk_hours",
	"min_chunk_timeout":   "fetch.min_chunk_timeout",

	"window_parallelism":     "aggregate.window_parallelism",
	"max_window_parallelism": "aggregate.max_window_parallelism",
	"group_size":             "aggregate.group_size",
	"sub_batch_size":         "aggregate.sub_batch_size",
	"sub_batch_timeout":      "aggregate.sub_batch_timeout",
	"individual_timeout":     "aggregate.individual_timeout",
	"dedupe_field":           "aggregate.dedupe_field",

	"store_backend":  "store.backend",
	"store_path":     "store.path",
	"redis_addr":     "store.redis_addr",
	"redis_password": "store.redis_password",
	"redis_db":       "store.redis_db",

	"log_level":  "logging.level",
	"log_pretty": "logging.pretty",
}

// envTransformFunc maps MERAKI_GOVERNOR_MAX_LIMIT to governor.max_limit.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envMappings[key]
}

// sliceConfigPaths are parsed as comma-separated lists when set from the
// environment.
var sliceConfigPaths = []string{
	"org_ids",
	"blacklist",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
