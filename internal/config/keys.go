package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "engine.backend", typ: kString, env: "AIBRIDGE_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.ollama_url", typ: kString, env: "AIBRIDGE_ENGINE_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaURL },
	},
	{
		key: "engine.mlx_url", typ: kString, env: "AIBRIDGE_ENGINE_MLX_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.MLXURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.MLXURL },
	},
	{
		key: "engine.model", typ: kString, env: "AIBRIDGE_ENGINE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Model },
	},
	{
		key: "engine.auto_pull", typ: kBool, env: "AIBRIDGE_ENGINE_AUTO_PULL",
		apply:   func(cfg *Config, v any) { cfg.Engine.AutoPull = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.AutoPull },
	},
	{
		key: "engine.languages", typ: kString, env: "AIBRIDGE_ENGINE_LANGUAGES",
		apply:   func(cfg *Config, v any) { cfg.Engine.Languages = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Languages },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "AIBRIDGE_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "chat.max_tokens", typ: kInt, env: "AIBRIDGE_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxTokens },
	},
	{
		key: "chat.stream_timeout", typ: kString, env: "AIBRIDGE_CHAT_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.StreamTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.StreamTimeout },
	},
	{
		key: "chat.instructions", typ: kString, env: "AIBRIDGE_CHAT_INSTRUCTIONS",
		apply:   func(cfg *Config, v any) { cfg.Chat.Instructions = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Instructions },
	},
	{
		key: "server.port", typ: kInt, env: "AIBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "AIBRIDGE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AIBRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AIBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
