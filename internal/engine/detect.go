package engine

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	// Backend is "ollama", "mlx" or "auto". Empty means auto.
	Backend   string
	OllamaURL string
	MLXURL    string
}

// Detect returns the backend named in cfg. In auto mode it tries the MLX
// server first and falls back to Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Backend, error) {
	switch cfg.Backend {
	case "ollama":
		return NewOllamaBackend(cfg.OllamaURL), nil
	case "mlx":
		if cfg.MLXURL == "" {
			return nil, fmt.Errorf("mlx backend selected but no mlx url configured")
		}
		return NewMLXBackend(cfg.MLXURL), nil
	case "", "auto":
		if cfg.MLXURL != "" {
			if mlx := NewMLXBackend(cfg.MLXURL); mlx.IsRunning(ctx) {
				return mlx, nil
			}
		}
		return NewOllamaBackend(cfg.OllamaURL), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want ollama, mlx or auto)", cfg.Backend)
	}
}
