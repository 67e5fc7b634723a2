// Package config loads the daemon configuration: defaults, an optional
// JSON file, and an optional private overlay are deep-merged, then
// $ENV references are resolved and the result validated.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Name      string `json:"name"`
	HTTPAddr  string `json:"http_addr,omitempty"`
	StatePath string `json:"state_path,omitempty" validate:"required"`

	Redis      RedisConfig      `json:"redis,omitempty"`
	Postgres   PostgresConfig   `json:"postgres,omitempty"`
	Gateway    GatewayConfig    `json:"gateway,omitempty"`
	Embeddings EmbeddingsConfig `json:"embeddings,omitempty"`
	Reply      ReplyConfig      `json:"reply,omitempty"`
	Queue      QueueConfig      `json:"queue,omitempty"`
	Archive    ArchiveConfig    `json:"archive,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty" validate:"required"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// PostgresConfig points at the pgvector-enabled hot tier. The URL is
// required: the knowledge store always writes fresh vectors to the hot
// tier and only reads archived ones from SQLite.
type PostgresConfig struct {
	URL string `json:"url,omitempty" validate:"required"`
}

type GatewayConfig struct {
	BaseURL string `json:"base_url,omitempty" validate:"required,url"`
	APIKey  string `json:"api_key,omitempty"`
}

// EmbeddingsConfig points at a Text Embeddings Inference service.
type EmbeddingsConfig struct {
	BaseURL string `json:"base_url,omitempty" validate:"required,url"`
}

// ReplyConfig tunes conversation pacing; values are Go durations.
type ReplyConfig struct {
	MinDelay  string `json:"min_delay,omitempty"`
	MaxDelay  string `json:"max_delay,omitempty"`
	TypingMin string `json:"typing_min,omitempty"`
	TypingMax string `json:"typing_max,omitempty"`
}

type QueueConfig struct {
	Prefix      string `json:"prefix,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"gte=1"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=1,lte=32"`
}

type ArchiveConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	Interval   string `json:"interval,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// Load merges defaults, the config file (if any), and the private
// overlay named by KIRIM_PRIVATE_CONFIG, in that order.
func Load(path string) (*Config, error) {
	base := defaultConfig()
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("KIRIM_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = resolveEnv(cfg.Name)
	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.StatePath = resolveEnv(cfg.StatePath)
	cfg.Redis.Addr = resolveEnv(cfg.Redis.Addr)
	cfg.Redis.Password = resolveEnv(cfg.Redis.Password)
	cfg.Postgres.URL = resolveEnv(cfg.Postgres.URL)
	cfg.Gateway.BaseURL = resolveEnv(cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = resolveEnv(cfg.Gateway.APIKey)
	cfg.Embeddings.BaseURL = resolveEnv(cfg.Embeddings.BaseURL)

	if cfg.Name == "" {
		cfg.Name = "kirim"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv expands values of the form "$VAR" from the environment.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		Name:      "kirim",
		HTTPAddr:  envOr("KIRIM_HTTP_ADDR", ":8080"),
		StatePath: envOr("KIRIM_STATE_PATH", "kirim.db"),
		Redis: RedisConfig{
			Addr:     envOr("KIRIM_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("KIRIM_REDIS_PASSWORD"),
		},
		Postgres: PostgresConfig{
			URL: envOr("KIRIM_PG_URL", "postgres://localhost:5432/kirim?sslmode=disable"),
		},
		Gateway: GatewayConfig{
			BaseURL: envOr("KIRIM_GATEWAY_URL", "http://localhost:3000"),
			APIKey:  os.Getenv("KIRIM_GATEWAY_API_KEY"),
		},
		Embeddings: EmbeddingsConfig{
			BaseURL: envOr("KIRIM_EMBEDDINGS_URL", "http://localhost:8081"),
		},
		Reply: ReplyConfig{
			MinDelay:  envOr("KIRIM_REPLY_MIN_DELAY", "3m"),
			MaxDelay:  envOr("KIRIM_REPLY_MAX_DELAY", "7m"),
			TypingMin: "2s",
			TypingMax: "5s",
		},
		Queue: QueueConfig{
			Prefix:      envOr("KIRIM_QUEUE_PREFIX", "kirim"),
			MaxAttempts: 3,
			Concurrency: 5,
		},
		Archive: ArchiveConfig{
			Interval:   envOr("KIRIM_ARCHIVE_INTERVAL", "6h"),
			MaxAgeDays: 30,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
