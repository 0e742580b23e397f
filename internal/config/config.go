package config

import (
	"strings"
	"time"
)

type Config struct {
	Engine  EngineConfig
	Chat    ChatConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
}

type EngineConfig struct {
	// Backend is "ollama", "mlx" or "auto".
	Backend   string
	OllamaURL string
	MLXURL    string
	Model     string
	AutoPull  bool
	// Languages is a comma-separated list of BCP 47 codes. When set it
	// replaces whatever the backend reports for the model.
	Languages string
}

// LanguageList splits Languages, dropping blanks.
func (e EngineConfig) LanguageList() []string {
	var out []string
	for _, l := range strings.Split(e.Languages, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

type ChatConfig struct {
	Temperature   float64
	MaxTokens     int
	StreamTimeout string
	Instructions  string
}

// Timeout parses StreamTimeout, falling back to two minutes when it is unset
// or malformed.
func (c ChatConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.StreamTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			Backend:   "auto",
			OllamaURL: "http://localhost:11434",
			MLXURL:    "http://localhost:8080/v1",
			Model:     "llama3.2",
			AutoPull:  true,
		},
		Chat: ChatConfig{
			Temperature:   1.0,
			MaxTokens:     1000,
			StreamTimeout: "2m",
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.aibridge.app) and the
// server token falls back to macOS Keychain.
// Elsewhere the backend is a TOML file at $XDG_CONFIG_HOME/aibridge/config.toml
// and the token falls back to a secrets file under $XDG_DATA_HOME/aibridge.
//
// Environment variables (AIBRIDGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// loadFromPath loads configuration with a TOML file backend at path.
func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const (
	keychainService      = "aibridge"
	keychainTokenAccount = "server_token"
)

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The server token is optional; try the keychain only if still empty.
	if cfg.Server.Token == "" {
		if tok, err := kc.Get(keychainService, keychainTokenAccount); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SetToken stores the API server bearer token in the platform secret store.
func SetToken(token string) error {
	return keychainSet(keychainService, keychainTokenAccount, token)
}

// TokenHint tells the user where the server token may be configured.
func TokenHint() string {
	return "environment variable AIBRIDGE_SERVER_TOKEN" + tokenHint()
}
